// Package events implements an optional observer event bus (spec §6's
// on_send_completed / on_channel_state_changed hooks, generalized here
// to a process-external publish path) so other Tekton components can
// subscribe to fabric activity without embedding a Go client.
//
// Grounded on the wider example pack's nats-io/nats.go usage for
// lightweight pub/sub between sibling services — the teacher itself has
// no message bus (a single WebSocket process), so this is an enrichment
// from the rest of the corpus per the domain-stack wiring table.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
)

// SendCompletedEvent is published on the configured subject whenever a
// send() resolves, mirroring the in-process on_send_completed hook.
type SendCompletedEvent struct {
	SpecialistId fabrictypes.SpecialistId `json:"specialist_id"`
	OK           bool                     `json:"ok"`
	LatencyMs    int64                    `json:"latency_ms"`
	At           time.Time                `json:"at"`
}

// ChannelStateChangedEvent mirrors on_channel_state_changed.
type ChannelStateChangedEvent struct {
	SpecialistId fabrictypes.SpecialistId `json:"specialist_id"`
	OldState     string                   `json:"old_state"`
	NewState     string                   `json:"new_state"`
	At           time.Time                `json:"at"`
}

// Bus publishes fabric lifecycle events to NATS. Connecting is optional
// — if url is empty, Bus methods are no-ops so the fabric runs fine with
// no broker present (spec's ambient concerns never gate core operation).
type Bus struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// Connect dials url (empty string disables the bus entirely). Connection
// failures are logged and degrade to a no-op bus rather than failing
// process startup — an observer bus is never load-bearing.
func Connect(url, subject string, logger zerolog.Logger) *Bus {
	if url == "" {
		return &Bus{logger: logger}
	}
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("events bus unavailable, continuing without it")
		return &Bus{logger: logger}
	}
	if subject == "" {
		subject = "tekton.fabric"
	}
	return &Bus{conn: conn, subject: subject, logger: logger}
}

func (b *Bus) PublishSendCompleted(ev SendCompletedEvent) {
	b.publish(b.subject+".send_completed", ev)
}

func (b *Bus) PublishChannelStateChanged(ev ChannelStateChangedEvent) {
	b.publish(b.subject+".channel_state_changed", ev)
}

func (b *Bus) publish(subject string, payload any) {
	if b.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Msg("events: failed to marshal payload")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("events: publish failed")
	}
}

// Close drains and closes the NATS connection, if any.
func (b *Bus) Close() {
	if b.conn == nil {
		return
	}
	b.conn.Close()
}
