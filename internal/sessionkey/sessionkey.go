// Package sessionkey implements the gateway's hierarchical session
// identity: a (agent, channel, target) tuple rendered canonically as
// "agent:channel:target", and the reversible hex encoding used to derive
// on-disk session filenames.
package sessionkey

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Key is a parsed session identity.
type Key struct {
	Agent   string
	Channel string
	Target  string // may itself contain colons
}

// Convention is the session-key convention this process accepts at
// ingress. The upstream source shipped two incompatible conventions
// ("agent:main:..." and "main:..."); this implementation picks one (see
// DESIGN.md) and rejects the other form loudly rather than silently
// guessing.
const Convention = "main:<channel>:<target>"

// String renders k canonically: "agent:channel:target".
func (k Key) String() string {
	return k.Agent + ":" + k.Channel + ":" + k.Target
}

// Parse splits a canonical session key into its three components.
// Parsing splits on the first two colons only, so Target may itself
// contain colons (e.g. "dm:42", "channel:9").
func Parse(s string) (Key, error) {
	first := strings.IndexByte(s, ':')
	if first < 0 {
		return Key{}, fmt.Errorf("sessionkey: %q is not of the form %s", s, Convention)
	}
	rest := s[first+1:]
	second := strings.IndexByte(rest, ':')
	if second < 0 {
		return Key{}, fmt.Errorf("sessionkey: %q is not of the form %s", s, Convention)
	}

	agent := s[:first]
	channel := rest[:second]
	target := rest[second+1:]
	if agent == "" || channel == "" || target == "" {
		return Key{}, fmt.Errorf("sessionkey: %q has an empty component", s)
	}
	if agent != "main" {
		return Key{}, fmt.Errorf("sessionkey: %q uses the rejected %q-agent convention, not %s", s, agent, Convention)
	}
	return Key{Agent: agent, Channel: channel, Target: target}, nil
}

// New constructs a canonical key for an inbound message, enforcing the
// one convention this process accepts: "main:<channel>:<target>".
func New(channel, target string) Key {
	return Key{Agent: "main", Channel: channel, Target: target}
}

// Encode turns a canonical key string into the reversible hex filename
// stem used under sessions/. Encoding is lossless by construction: it is
// the hex of the UTF-8 bytes of the key.
func Encode(key string) string {
	return hex.EncodeToString([]byte(key))
}

// Decode reverses Encode. It rejects any hex string that doesn't decode
// to valid UTF-8, per the invariant that filenames which don't hex-decode
// to valid UTF-8 must be skipped rather than guessed at.
func Decode(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("sessionkey: %q is not valid hex: %w", encoded, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("sessionkey: %q decodes to invalid UTF-8", encoded)
	}
	return string(raw), nil
}
