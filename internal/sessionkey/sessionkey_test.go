package sessionkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip matches Testable Property 1: for all legal
// session keys, decode(encode(k)) == k.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	keys := []string{
		"main:cli:main",
		"main:discord:dm:42",
		"main:discord:channel:9",
		"main:gmail:someone@example.com",
		"main:voice:main",
		"agent:with:colons:in:target",
	}
	for _, k := range keys {
		encoded := Encode(k)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, k, decoded)
	}
}

func TestDecodeRejectsInvalidHex(t *testing.T) {
	_, err := Decode("not-hex!!")
	require.Error(t, err)
}

func TestDecodeRejectsNonUTF8(t *testing.T) {
	// 0xff is not valid UTF-8 on its own.
	_, err := Decode("ff")
	require.Error(t, err)
}

func TestParseSplitsOnFirstTwoColonsOnly(t *testing.T) {
	k, err := Parse("main:discord:dm:42")
	require.NoError(t, err)
	require.Equal(t, Key{Agent: "main", Channel: "discord", Target: "dm:42"}, k)
	require.Equal(t, "main:discord:dm:42", k.String())
}

func TestParseRejectsMalformedKeys(t *testing.T) {
	for _, s := range []string{"", "nocolonatall", "only:one", "main::", ":channel:target"} {
		_, err := Parse(s)
		require.Error(t, err, s)
	}
}

// TestParseRejectsAgentConvention matches spec.md §9's "fail loudly on the
// other form at boundary ingress" decision: the "agent:channel:target"
// convention this process does not use must not parse just because it
// happens to contain two colons.
func TestParseRejectsAgentConvention(t *testing.T) {
	_, err := Parse("agent:main:dm:42")
	require.Error(t, err)
}

func TestNewBuildsCanonicalForm(t *testing.T) {
	k := New("discord", "dm:42")
	require.Equal(t, "main:discord:dm:42", k.String())
}
