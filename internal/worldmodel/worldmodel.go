// Package worldmodel owns the single markdown document summarizing
// durable facts about the user, under a fixed section schema. Atomic
// replace-on-write follows the teacher's internal/config/file.go
// AtomicWrite (temp file + rename); the hot-reload-on-hand-edit behavior
// is grounded on the teacher's skill-directory fsnotify watcher
// (internal/skills).
package worldmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/logging"
)

// Sections is the fixed schema's ordered section list.
var Sections = []string{
	"Identity",
	"Current Task",
	"Active Projects",
	"Key Technical Decisions",
	"Preferences & Patterns",
}

const template = `Last updated: %s

## Identity

## Current Task

## Active Projects

## Key Technical Decisions

## Preferences & Patterns
`

// Update is one mutation to apply to the document.
type Update struct {
	Action  string // "replace", "add", "remove"
	Section string
	Field   string
	Value   string // required for replace/add
}

var sectionHeaderRe = regexp.MustCompile(`^## (.+)$`)
var fieldLineRe = regexp.MustCompile(`^\s*-\s*([^:]+):\s`)

// WorldModel is the process-wide owner of the cached document.
type WorldModel struct {
	path    string
	archive *archive.Archive

	mu    sync.Mutex
	cache string
	ok    bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New creates a WorldModel backed by path, archiving removed fields to ar.
func New(path string, ar *archive.Archive) *WorldModel {
	return &WorldModel{path: path, archive: ar}
}

// Load returns the current document text, reading from disk and caching
// on first call. If the file is missing, it is instantiated from the
// built-in template and persisted.
func (w *WorldModel) Load() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadLocked()
}

func (w *WorldModel) loadLocked() (string, error) {
	if w.ok {
		return w.cache, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("worldmodel: failed to read document: %w", err)
		}
		text := fmt.Sprintf(template, time.Now().UTC().Format(time.RFC3339))
		if err := w.saveLocked(text); err != nil {
			return "", err
		}
		return w.cache, nil
	}

	w.cache = string(data)
	w.ok = true
	return w.cache, nil
}

// Save atomically writes text, rewriting the "Last updated:" header to
// the current ISO timestamp, and updates the cache.
func (w *WorldModel) Save(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveLocked(text)
}

func (w *WorldModel) saveLocked(text string) error {
	text = rewriteHeader(text, time.Now().UTC())

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("worldmodel: failed to create directory: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0600); err != nil {
		return fmt.Errorf("worldmodel: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("worldmodel: failed to rename temp file: %w", err)
	}

	w.cache = text
	w.ok = true
	return nil
}

// ReplaceContent wholesale-saves text.
func (w *WorldModel) ReplaceContent(text string) error {
	return w.Save(text)
}

func rewriteHeader(text string, now time.Time) string {
	lines := strings.Split(text, "\n")
	header := fmt.Sprintf("Last updated: %s", now.Format(time.RFC3339))
	for i, line := range lines {
		if strings.HasPrefix(line, "Last updated:") {
			lines[i] = header
			return strings.Join(lines, "\n")
		}
	}
	return header + "\n" + text
}

// document is the parsed representation used by applyUpdates.
type document struct {
	header   string
	order    []string // section names in appearance order
	sections map[string][]string
}

func parseDocument(text string) document {
	doc := document{sections: make(map[string][]string)}
	lines := strings.Split(text, "\n")

	var current string
	var headerLines []string
	sawSection := false

	for _, line := range lines {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			current = strings.TrimSpace(m[1])
			if _, ok := doc.sections[current]; !ok {
				doc.order = append(doc.order, current)
				doc.sections[current] = nil
			}
			sawSection = true
			continue
		}
		if !sawSection {
			headerLines = append(headerLines, line)
			continue
		}
		doc.sections[current] = append(doc.sections[current], line)
	}

	doc.header = strings.TrimRight(strings.Join(headerLines, "\n"), "\n")
	return doc
}

func (doc document) render() string {
	var b strings.Builder
	b.WriteString(doc.header)
	b.WriteString("\n")
	for _, section := range doc.order {
		b.WriteString("\n## ")
		b.WriteString(section)
		b.WriteString("\n")
		for _, line := range doc.sections[section] {
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func fieldOf(line string) (string, bool) {
	m := fieldLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ApplyUpdates parses the current text, applies each update in order, and
// saves the result. Unknown sections are skipped with a warning — the
// fixed schema is never auto-extended.
func (w *WorldModel) ApplyUpdates(updates []Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	text, err := w.loadLocked()
	if err != nil {
		return err
	}
	doc := parseDocument(text)

	for _, u := range updates {
		if _, ok := doc.sections[u.Section]; !ok {
			logging.L_warn("worldmodel: skipping update to unknown section", "section", u.Section)
			continue
		}
		switch u.Action {
		case "replace":
			applyReplace(&doc, u)
		case "add":
			doc.sections[u.Section] = append(doc.sections[u.Section], fmt.Sprintf("- %s: %s", u.Field, u.Value))
		case "remove":
			w.applyRemove(&doc, u)
		default:
			logging.L_warn("worldmodel: unknown update action", "action", u.Action)
		}
	}

	return w.saveLocked(doc.render())
}

func applyReplace(doc *document, u Update) {
	lines := doc.sections[u.Section]
	for i, line := range lines {
		if f, ok := fieldOf(line); ok && f == u.Field {
			lines[i] = fmt.Sprintf("- %s: %s", u.Field, u.Value)
			doc.sections[u.Section] = lines
			return
		}
	}
	doc.sections[u.Section] = append(lines, fmt.Sprintf("- %s: %s", u.Field, u.Value))
}

func (w *WorldModel) applyRemove(doc *document, u Update) {
	lines := doc.sections[u.Section]
	for i, line := range lines {
		if f, ok := fieldOf(line); ok && f == u.Field {
			value := strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			doc.sections[u.Section] = append(lines[:i], lines[i+1:]...)
			if w.archive != nil {
				if err := w.archive.ArchiveWorldModelItem(u.Section, u.Field, value, "removed by update"); err != nil {
					logging.L_warn("worldmodel: failed to archive removed field", "error", err)
				}
			}
			return
		}
	}
}

// Watch starts an fsnotify watch on the document's path so a hand-edit
// invalidates the in-memory cache, grounded on the teacher's skill
// watcher debounce pattern.
func (w *WorldModel) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("worldmodel: failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("worldmodel: failed to watch directory: %w", err)
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})

	go w.watchLoop()
	return nil
}

func (w *WorldModel) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				w.mu.Lock()
				w.ok = false
				w.mu.Unlock()
				logging.L_debug("worldmodel: invalidated cache after external edit")
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("worldmodel: watch error", "error", err)
		}
	}
}

// StopWatch stops the fsnotify watch, if running.
func (w *WorldModel) StopWatch() {
	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
}

// PathFromConfig resolves the configured world-model path.
func PathFromConfig(cfg *config.Config) string {
	return cfg.WorldModelPath()
}
