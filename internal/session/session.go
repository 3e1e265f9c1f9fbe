// Package session implements the per-account Steam login state machine
// and the registry that tracks every live session in the process.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steam-nexus/backend/internal/steam"
)

// DefaultPumpInterval is how often a session's own goroutine drains the
// client event queue.
const DefaultPumpInterval = 100 * time.Millisecond

// ErrInvalidState rejects an operation the session's current flags do
// not allow, e.g. submitting a Steam Guard code before Start.
var ErrInvalidState = errors.New("session is not in a state that allows this operation")

// CodeKind distinguishes the two Steam Guard challenge channels.
type CodeKind int

const (
	CodeEmail CodeKind = iota
	CodeDevice
)

func (k CodeKind) String() string {
	if k == CodeDevice {
		return "device"
	}
	return "email"
}

// Status strings pushed to websocket subscribers. Precedence when more
// than one condition holds: email guard > device guard > connected.
const (
	StatusGuardEmail  = "Steam Guard code required (email)"
	StatusGuardDevice = "Steam Guard code required (mobile)"
	StatusConnected   = "Logged in or connecting"
)

// Session drives one account's connect → logon → challenge → retry
// cycle against Steam. All flag mutation happens inside event handlers,
// which run only on the session's pump goroutine; SubmitCode is the one
// exception and only stages a code and clears its guard flag.
type Session struct {
	ID string

	username string
	password string
	client   steam.Client

	mu                 sync.RWMutex
	connected          bool
	loggedOn           bool
	guardEmailPending  bool
	guardDevicePending bool
	loginInProgress    bool
	failed             bool
	failReason         string

	// Staged one-shot Steam Guard codes, consumed by the next logon.
	pendingAuthCode      string
	pendingTwoFactorCode string

	owned map[uint32]struct{}

	pumpInterval time.Duration
	cancel       context.CancelFunc
	startedAt    time.Time
}

// New builds an idle session. Start must be called to begin the logon
// cycle.
func New(id, username, password string, client steam.Client) *Session {
	return &Session{
		ID:           id,
		username:     username,
		password:     password,
		client:       client,
		owned:        make(map[uint32]struct{}),
		pumpInterval: DefaultPumpInterval,
		startedAt:    time.Now(),
	}
}

// SetPumpInterval overrides the pump cadence. Only effective before
// Start.
func (s *Session) SetPumpInterval(d time.Duration) {
	if d > 0 {
		s.pumpInterval = d
	}
}

// Start launches the pump goroutine and initiates the connection
// handshake. Calling Start while a login cycle is already in progress
// is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.loginInProgress {
		s.mu.Unlock()
		return
	}
	s.loginInProgress = true
	s.failed = false
	s.failReason = ""
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	log.Info().Str("session", s.ID).Str("account", s.username).Msg("session starting")

	go s.pumpLoop(ctx)
	s.client.Connect()
}

// Stop cancels the pump goroutine and tears the connection down.
// Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.connected = false
	s.loggedOn = false
	s.loginInProgress = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.client.Disconnect()
	log.Info().Str("session", s.ID).Str("account", s.username).Msg("session stopped")
}

// SubmitCode stages a Steam Guard code for the next logon attempt and
// forces a disconnect/reconnect so the new attempt carries it. A second
// submit before the reconnect completes overwrites the first code.
// Acceptance does not mean the code is correct; correctness is reported
// asynchronously by the next logged-on event.
func (s *Session) SubmitCode(code string, kind CodeKind) error {
	s.mu.Lock()
	if !s.loginInProgress {
		s.mu.Unlock()
		return ErrInvalidState
	}
	switch kind {
	case CodeDevice:
		s.pendingTwoFactorCode = code
		s.pendingAuthCode = ""
		s.guardDevicePending = false
	default:
		s.pendingAuthCode = code
		s.pendingTwoFactorCode = ""
		s.guardEmailPending = false
	}
	s.mu.Unlock()

	log.Info().Str("session", s.ID).Str("account", s.username).Stringer("kind", kind).
		Msg("guard code staged, reconnecting")

	// The link is torn down so the fresh logon round presents the code.
	s.client.Disconnect()
	s.client.Connect()
	return nil
}

// RequestLicenses asks Steam to grant the given no-cost packages. On a
// session that is not connected and logged on this is a logged no-op;
// callers that need a hard failure must check LoggedOn first.
func (s *Session) RequestLicenses(packageIDs []uint32) {
	s.mu.RLock()
	ok := s.connected && s.loggedOn
	s.mu.RUnlock()
	if !ok {
		log.Warn().Str("session", s.ID).Str("account", s.username).
			Msg("license request skipped: not connected or not logged on")
		return
	}
	log.Info().Str("session", s.ID).Int("packages", len(packageIDs)).Msg("requesting free licenses")
	s.client.RequestFreeLicense(packageIDs)
}

// OwnedLicenses returns the package ids from the most recent license
// list event, sorted. It may be stale relative to in-flight requests.
func (s *Session) OwnedLicenses() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.owned))
	for id := range s.owned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pump drains the events queued since the last call and runs their
// handlers. It is invoked only from the session's own pump goroutine,
// so handlers never run concurrently for the same session.
func (s *Session) Pump() {
	for {
		select {
		case ev := <-s.client.Events():
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Session) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safePump()
		}
	}
}

// safePump keeps a panic in one session's handlers from killing its
// pump goroutine.
func (s *Session) safePump() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session", s.ID).Interface("panic", r).Msg("recovered panic in session pump")
		}
	}()
	s.Pump()
}

func (s *Session) handleEvent(ev steam.Event) {
	switch e := ev.(type) {
	case steam.ConnectedEvent:
		s.onConnected()
	case steam.DisconnectedEvent:
		s.onDisconnected()
	case steam.LoggedOnEvent:
		s.onLoggedOn(e)
	case steam.LicenseListEvent:
		s.onLicenseList(e)
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	s.connected = true
	details := steam.LogOnDetails{
		Username:      s.username,
		Password:      s.password,
		AuthCode:      s.pendingAuthCode,
		TwoFactorCode: s.pendingTwoFactorCode,
	}
	// Staged codes are one-shot: cleared whether or not the logon they
	// ride on succeeds.
	s.pendingAuthCode = ""
	s.pendingTwoFactorCode = ""
	s.mu.Unlock()

	log.Info().Str("session", s.ID).Str("account", s.username).Msg("connected to steam, logging on")
	s.client.LogOn(details)
}

func (s *Session) onDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.loggedOn = false
	quiet := s.guardEmailPending || s.guardDevicePending
	s.mu.Unlock()

	// No automatic reconnect: only SubmitCode or a fresh Start brings
	// the link back. A drop while a guard code is awaited is expected.
	if !quiet {
		log.Info().Str("session", s.ID).Str("account", s.username).Msg("disconnected from steam")
	}
}

func (s *Session) onLoggedOn(ev steam.LoggedOnEvent) {
	switch ev.Result {
	case steam.ResultOK:
		s.mu.Lock()
		s.loggedOn = true
		s.guardEmailPending = false
		s.guardDevicePending = false
		s.mu.Unlock()
		log.Info().Str("session", s.ID).Str("account", s.username).Msg("logon successful, fetching licenses")
		// Empty id set probes the license list without granting anything.
		s.client.RequestFreeLicense(nil)

	case steam.ResultAccountLogonDenied:
		s.client.Disconnect()
		s.mu.Lock()
		s.guardEmailPending = true
		s.guardDevicePending = false
		s.mu.Unlock()
		log.Info().Str("session", s.ID).Str("account", s.username).Msg("steam guard email code required")

	case steam.ResultAccountLoginDeniedNeedTwoFactor:
		s.client.Disconnect()
		s.mu.Lock()
		s.guardDevicePending = true
		s.guardEmailPending = false
		s.mu.Unlock()
		log.Info().Str("session", s.ID).Str("account", s.username).Msg("steam guard mobile code required")

	default:
		s.client.Disconnect()
		s.mu.Lock()
		s.failed = true
		s.failReason = ev.Result.String()
		s.loginInProgress = false
		s.mu.Unlock()
		log.Warn().Str("session", s.ID).Str("account", s.username).
			Stringer("result", ev.Result).Msg("logon failed")
	}
}

func (s *Session) onLicenseList(ev steam.LicenseListEvent) {
	if ev.Result != steam.ResultOK {
		log.Warn().Str("session", s.ID).Stringer("result", ev.Result).Msg("license list fetch failed")
		return
	}
	owned := make(map[uint32]struct{}, len(ev.PackageIDs))
	for _, id := range ev.PackageIDs {
		owned[id] = struct{}{}
	}
	s.mu.Lock()
	s.owned = owned
	s.mu.Unlock()
	log.Info().Str("session", s.ID).Int("licenses", len(owned)).Msg("license cache replaced")
}

// Status derives the externally visible status line, applying the
// guard-email > guard-device > connected precedence. Empty means
// nothing worth broadcasting this tick.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.guardEmailPending:
		return StatusGuardEmail
	case s.guardDevicePending:
		return StatusGuardDevice
	case s.connected:
		return StatusConnected
	}
	return ""
}

// Username reports the account this session authenticates.
func (s *Session) Username() string { return s.username }

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Session) LoggedOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedOn
}

func (s *Session) LoginInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loginInProgress
}

func (s *Session) GuardEmailPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guardEmailPending
}

func (s *Session) GuardDevicePending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guardDevicePending
}

// Failed reports whether the last logon cycle ended in a terminal
// failure, along with the Steam result that caused it.
func (s *Session) Failed() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed, s.failReason
}

// StartedAt is the session's creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }
