// Package manager runs the process-wide broadcast loop: every tick it
// walks the session registry and republishes each session's visible
// status to websocket subscribers.
package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steam-nexus/backend/internal/session"
)

// DefaultInterval matches the original host's 50 ms cadence.
const DefaultInterval = 50 * time.Millisecond

// StatusPublisher pushes a (session id, status text) pair to external
// subscribers. Publishing is fire-and-forget; implementations must not
// block the caller.
type StatusPublisher interface {
	Publish(sessionID, status string)
}

// Host is the status broadcast loop. Each session pumps its own event
// queue on a dedicated goroutine, so the host only reads derived status
// and never touches the client — that keeps exactly one pump driver per
// session and rules out double-dispatch races.
type Host struct {
	store    *session.Store
	pub      StatusPublisher
	interval time.Duration
}

func NewHost(store *session.Store, pub StatusPublisher, interval time.Duration) *Host {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Host{
		store:    store,
		pub:      pub,
		interval: interval,
	}
}

// Run loops until ctx is cancelled, which happens only at process
// shutdown.
func (h *Host) Run(ctx context.Context) {
	log.Info().Dur("interval", h.interval).Msg("steam callback host started")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("steam callback host stopped")
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Host) tick() {
	for _, sess := range h.store.Snapshot() {
		h.report(sess)
	}
}

// report publishes one session's status. Sessions with nothing to say —
// freshly created, failed, or idle disconnected — produce no broadcast
// this tick. A panic while handling one session must not starve the
// rest.
func (h *Host) report(sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session", sess.ID).Interface("panic", r).
				Msg("recovered panic while broadcasting session status")
		}
	}()

	status := sess.Status()
	if status == "" {
		return
	}
	h.pub.Publish(sess.ID, status)
}
