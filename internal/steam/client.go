// Package steam defines the connection-level contract with the Steam
// network: a callback-driven client that buffers asynchronous events
// until the owning session pumps them.
package steam

// Result mirrors the subset of Steam logon/license result codes the
// backend reacts to.
type Result int

const (
	ResultOK Result = iota
	// ResultAccountLogonDenied means Steam Guard wants the code that was
	// emailed to the account owner.
	ResultAccountLogonDenied
	// ResultAccountLoginDeniedNeedTwoFactor means Steam Guard wants the
	// code from the mobile authenticator.
	ResultAccountLoginDeniedNeedTwoFactor
	ResultInvalidPassword
	ResultAccessDenied
	ResultRateLimitExceeded
	ResultTimeout
	ResultFail
)

var resultNames = map[Result]string{
	ResultOK:                              "ok",
	ResultAccountLogonDenied:              "account_logon_denied",
	ResultAccountLoginDeniedNeedTwoFactor: "account_login_denied_need_two_factor",
	ResultInvalidPassword:                 "invalid_password",
	ResultAccessDenied:                    "access_denied",
	ResultRateLimitExceeded:               "rate_limit_exceeded",
	ResultTimeout:                         "timeout",
	ResultFail:                            "fail",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "unknown"
}

// LogOnDetails carries one logon attempt. AuthCode is the emailed Steam
// Guard code, TwoFactorCode the mobile authenticator code; both are
// optional and only one is ever set by the session.
type LogOnDetails struct {
	Username      string
	Password      string
	AuthCode      string
	TwoFactorCode string
}

// Event is the tagged union delivered through a client's event queue.
// Concrete types: ConnectedEvent, DisconnectedEvent, LoggedOnEvent,
// LicenseListEvent.
type Event interface {
	event()
}

// ConnectedEvent fires once the transport-level link to Steam is up.
type ConnectedEvent struct{}

// DisconnectedEvent fires when the link drops, whether requested or not.
type DisconnectedEvent struct{}

// LoggedOnEvent carries the outcome of the last LogOn attempt.
type LoggedOnEvent struct {
	Result Result
}

// LicenseListEvent carries the full set of packages the account owns.
// The list replaces any previously reported set; it is never a delta.
type LicenseListEvent struct {
	Result     Result
	PackageIDs []uint32
}

func (ConnectedEvent) event()    {}
func (DisconnectedEvent) event() {}
func (LoggedOnEvent) event()     {}
func (LicenseListEvent) event()  {}

// Client is one account's handle onto the Steam network. Connect,
// Disconnect, LogOn and RequestFreeLicense are non-blocking handshake
// initiations; outcomes arrive later on the Events queue and must be
// drained by a single consumer.
type Client interface {
	Connect()
	Disconnect()
	LogOn(details LogOnDetails)
	// RequestFreeLicense asks Steam to grant the given no-cost packages.
	// An empty id set is a "what do I already own" probe; either form is
	// answered with a LicenseListEvent.
	RequestFreeLicense(packageIDs []uint32)
	Events() <-chan Event
}

// Factory mints a fresh Client per session.
type Factory func() Client
