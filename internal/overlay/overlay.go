// Package overlay implements the Forwarding Overlay (spec §4.5): a
// persisted, hot-reloadable map from specialist id to either another
// specialist (relay chains) or a human terminal inbox, sitting in front
// of every send so a user can redirect a specialist's traffic without
// restarting anything.
//
// Grounded on the teacher's config-file-plus-fsnotify idiom
// (adred-codev-ws_poc/ws/config.go loads from env/file at startup) and
// on original_source/Rhetor/rhetor/core/ai_specialist_manager.py's
// forward_messages table, generalized here to a typed Go structure
// with explicit cycle detection per invariant I6.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
)

// MaxChainLength bounds relay hops before ForwardingLoop is declared,
// even absent a literal cycle (spec §4.5 edge case: "a long chain that
// never repeats a node is still rejected past this bound").
const MaxChainLength = 4

// DestKind discriminates a resolved overlay target.
type DestKind int

const (
	DestSpecialist DestKind = iota
	DestTerminal
)

// TerminalInboxFormat selects how a forwarded message is rendered for a
// human terminal (spec §4.5).
type TerminalInboxFormat string

const (
	FormatPlain        TerminalInboxFormat = "plain"
	FormatJSONEnvelope TerminalInboxFormat = "json_envelope"
)

// Destination is the result of resolving a specialist id through the
// overlay: either it passes through unchanged, is relayed to another
// specialist, or should be delivered to a terminal inbox instead.
type Destination struct {
	Kind         DestKind
	SpecialistId fabrictypes.SpecialistId
	TerminalName fabrictypes.SpecialistId
	Format       TerminalInboxFormat
	Err          *fabrictypes.Error
}

// rule is one persisted forwarding entry.
type rule struct {
	Target string `json:"target"`
	Kind   string `json:"kind"` // "specialist" or "terminal"
	Format string `json:"format,omitempty"`
}

// TerminalDeliverer is the collaborator that actually pushes a formatted
// message into a human terminal's inbox (spec §4.5); satisfied by
// internal/terminalbridge in production and a stub in tests.
type TerminalDeliverer interface {
	Deliver(terminalName string, formatted string) (bool, error)
}

// Overlay holds the live forwarding table, persisted as JSON, reloaded
// on file change via fsnotify.
type Overlay struct {
	path     string
	logger   zerolog.Logger
	deliver  TerminalDeliverer
	watcher  *fsnotify.Watcher

	mu    sync.RWMutex
	rules map[fabrictypes.SpecialistId]rule
}

// New loads the overlay from path (creating an empty table if the file
// does not exist) and starts a background fsnotify watch for hot reload.
func New(path string, deliver TerminalDeliverer, logger zerolog.Logger) (*Overlay, error) {
	ov := &Overlay{
		path:    path,
		logger:  logger,
		deliver: deliver,
		rules:   make(map[fabrictypes.SpecialistId]rule),
	}
	if err := ov.load(); err != nil {
		return nil, err
	}
	if err := ov.watch(); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("forwarding overlay file watch unavailable, reload requires restart")
	}
	return ov, nil
}

func (ov *Overlay) load() error {
	data, err := os.ReadFile(ov.path)
	if errors.Is(err, os.ErrNotExist) {
		ov.mu.Lock()
		ov.rules = make(map[fabrictypes.SpecialistId]rule)
		ov.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("overlay: read %s: %w", ov.path, err)
	}

	raw := make(map[string]rule)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("overlay: parse %s: %w", ov.path, err)
		}
	}

	parsed := make(map[fabrictypes.SpecialistId]rule, len(raw))
	for k, v := range raw {
		parsed[fabrictypes.SpecialistId(k)] = v
	}

	ov.mu.Lock()
	ov.rules = parsed
	ov.mu.Unlock()
	return nil
}

func (ov *Overlay) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(ov.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	ov.watcher = w
	go ov.watchLoop()
	return nil
}

func (ov *Overlay) watchLoop() {
	for {
		select {
		case ev, ok := <-ov.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(ov.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := ov.load(); err != nil {
				ov.logger.Error().Err(err).Msg("forwarding overlay reload failed, keeping previous table")
			} else {
				ov.logger.Info().Str("path", ov.path).Msg("forwarding overlay reloaded")
			}
		case err, ok := <-ov.watcher.Errors:
			if !ok {
				return
			}
			ov.logger.Error().Err(err).Msg("forwarding overlay watcher error")
		}
	}
}

// Close stops the file watcher.
func (ov *Overlay) Close() error {
	if ov.watcher == nil {
		return nil
	}
	return ov.watcher.Close()
}

// Resolve walks the forwarding chain starting at id (spec §4.5). It
// never returns an error destination for "no rule configured" — that is
// the common case and simply passes through. Errors are reserved for
// loop/depth violations (invariant I6 callers fail open on these).
func (ov *Overlay) Resolve(id fabrictypes.SpecialistId) Destination {
	ov.mu.RLock()
	defer ov.mu.RUnlock()

	visited := map[fabrictypes.SpecialistId]bool{id: true}
	cur := id
	for hop := 0; ; hop++ {
		r, ok := ov.rules[cur]
		if !ok {
			return Destination{Kind: DestSpecialist, SpecialistId: cur}
		}
		if r.Kind == "terminal" {
			format := TerminalInboxFormat(r.Format)
			if format == "" {
				format = FormatPlain
			}
			return Destination{Kind: DestTerminal, TerminalName: fabrictypes.SpecialistId(r.Target), Format: format}
		}

		next := fabrictypes.SpecialistId(r.Target)
		if hop+1 >= MaxChainLength {
			return Destination{Err: fabrictypes.NewError(fabrictypes.ErrForwardingLoop, id, fmt.Sprintf("forwarding chain exceeded %d hops", MaxChainLength), nil)}
		}
		if visited[next] {
			return Destination{Err: fabrictypes.NewError(fabrictypes.ErrForwardingLoop, id, fmt.Sprintf("forwarding cycle detected at %s", next), nil)}
		}
		visited[next] = true
		cur = next
	}
}

// DeliverToTerminal formats and hands off a forwarded message via the
// configured TerminalDeliverer.
func (ov *Overlay) DeliverToTerminal(terminalName fabrictypes.SpecialistId, format TerminalInboxFormat, originalID fabrictypes.SpecialistId, body string) (bool, error) {
	if ov.deliver == nil {
		return false, fmt.Errorf("overlay: no terminal deliverer configured")
	}
	formatted := formatForTerminal(format, originalID, body)
	return ov.deliver.Deliver(string(terminalName), formatted)
}

func formatForTerminal(format TerminalInboxFormat, originalID fabrictypes.SpecialistId, body string) string {
	if format == FormatJSONEnvelope {
		envelope := struct {
			From string `json:"from"`
			Body string `json:"body"`
		}{From: string(originalID), Body: body}
		data, err := json.Marshal(envelope)
		if err != nil {
			return body
		}
		return string(data)
	}
	return fmt.Sprintf("[%s] %s", originalID, body)
}

// Set installs or replaces a forwarding rule and persists the table
// (spec §4.5's "forward set" operation).
func (ov *Overlay) Set(id fabrictypes.SpecialistId, target fabrictypes.SpecialistId, toTerminal bool, format TerminalInboxFormat) error {
	ov.mu.Lock()
	if ov.rules == nil {
		ov.rules = make(map[fabrictypes.SpecialistId]rule)
	}
	kind := "specialist"
	if toTerminal {
		kind = "terminal"
	}
	ov.rules[id] = rule{Target: string(target), Kind: kind, Format: string(format)}
	snapshot := ov.snapshotLocked()
	ov.mu.Unlock()
	return ov.persist(snapshot)
}

// Remove deletes a forwarding rule (spec §4.5's "forward remove").
func (ov *Overlay) Remove(id fabrictypes.SpecialistId) error {
	ov.mu.Lock()
	delete(ov.rules, id)
	snapshot := ov.snapshotLocked()
	ov.mu.Unlock()
	return ov.persist(snapshot)
}

// List returns the current forwarding table (spec §4.5's "forward list").
func (ov *Overlay) List() map[fabrictypes.SpecialistId]string {
	ov.mu.RLock()
	defer ov.mu.RUnlock()
	out := make(map[fabrictypes.SpecialistId]string, len(ov.rules))
	for k, v := range ov.rules {
		out[k] = v.Target
	}
	return out
}

func (ov *Overlay) snapshotLocked() map[string]rule {
	raw := make(map[string]rule, len(ov.rules))
	for k, v := range ov.rules {
		raw[string(k)] = v
	}
	return raw
}

func (ov *Overlay) persist(raw map[string]rule) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ov.path), 0o755); err != nil {
		return err
	}
	tmp := ov.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ov.path)
}
