package steam

import (
	"sort"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
)

// GuardMode selects which Steam Guard challenge a simulated account
// imposes on logon.
type GuardMode string

const (
	GuardNone   GuardMode = "none"
	GuardEmail  GuardMode = "email"
	GuardDevice GuardMode = "device"
)

// Account describes one simulated Steam account.
type Account struct {
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	Guard    GuardMode `yaml:"guard"`
	// EmailCode is the code "mailed" to the owner when Guard is email.
	EmailCode string `yaml:"email_code"`
	// TOTPSecret seeds the mobile authenticator when Guard is device.
	// When empty, any non-empty device code is accepted.
	TOTPSecret    string   `yaml:"totp_secret"`
	OwnedPackages []uint32 `yaml:"owned_packages"`
}

type simAccount struct {
	Account
	owned map[uint32]struct{}
}

// Platform is an in-process stand-in for the Steam network: a set of
// accounts, a catalog of no-cost packages, and a client factory. It
// backs --sim mode and the package's tests.
type Platform struct {
	mu       sync.RWMutex
	accounts map[string]*simAccount
	free     map[uint32]struct{}
}

func NewPlatform(accounts []Account, freePackages []uint32) *Platform {
	p := &Platform{
		accounts: make(map[string]*simAccount, len(accounts)),
		free:     make(map[uint32]struct{}, len(freePackages)),
	}
	for _, a := range accounts {
		sa := &simAccount{Account: a, owned: make(map[uint32]struct{}, len(a.OwnedPackages))}
		for _, id := range a.OwnedPackages {
			sa.owned[id] = struct{}{}
		}
		p.accounts[a.Username] = sa
	}
	for _, id := range freePackages {
		p.free[id] = struct{}{}
	}
	return p
}

// NewClient mints a client handle. Satisfies Factory.
func (p *Platform) NewClient() Client {
	return &simClient{
		platform: p,
		events:   make(chan Event, 64),
	}
}

// FreePackages returns the simulated catalog of no-cost packages.
func (p *Platform) FreePackages() []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]uint32, 0, len(p.free))
	for id := range p.free {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type simClient struct {
	platform *Platform

	mu        sync.Mutex
	connected bool
	loggedOn  string // username once logon succeeded, "" otherwise
	events    chan Event
}

func (c *simClient) Events() <-chan Event { return c.events }

func (c *simClient) Connect() {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.push(ConnectedEvent{})
}

func (c *simClient) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.loggedOn = ""
	c.mu.Unlock()
	c.push(DisconnectedEvent{})
}

func (c *simClient) LogOn(details LogOnDetails) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	result := c.evaluate(details)
	if result == ResultOK {
		c.mu.Lock()
		c.loggedOn = details.Username
		c.mu.Unlock()
	}
	c.push(LoggedOnEvent{Result: result})
}

func (c *simClient) evaluate(details LogOnDetails) Result {
	c.platform.mu.RLock()
	acct, ok := c.platform.accounts[details.Username]
	c.platform.mu.RUnlock()
	if !ok || acct.Password != details.Password {
		return ResultInvalidPassword
	}

	switch acct.Guard {
	case GuardEmail:
		if details.AuthCode == "" || details.AuthCode != acct.EmailCode {
			return ResultAccountLogonDenied
		}
	case GuardDevice:
		if details.TwoFactorCode == "" {
			return ResultAccountLoginDeniedNeedTwoFactor
		}
		if acct.TOTPSecret != "" && !totp.Validate(details.TwoFactorCode, acct.TOTPSecret) {
			return ResultAccountLoginDeniedNeedTwoFactor
		}
	}
	return ResultOK
}

func (c *simClient) RequestFreeLicense(packageIDs []uint32) {
	c.mu.Lock()
	username := c.loggedOn
	connected := c.connected
	c.mu.Unlock()

	if !connected || username == "" {
		c.push(LicenseListEvent{Result: ResultAccessDenied})
		return
	}

	c.platform.mu.Lock()
	acct := c.platform.accounts[username]
	for _, id := range packageIDs {
		if _, free := c.platform.free[id]; free {
			acct.owned[id] = struct{}{}
		}
	}
	owned := make([]uint32, 0, len(acct.owned))
	for id := range acct.owned {
		owned = append(owned, id)
	}
	c.platform.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	c.push(LicenseListEvent{Result: ResultOK, PackageIDs: owned})
}

// push enqueues without blocking; when the owning session stops pumping
// the queue fills and further events are dropped.
func (c *simClient) push(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Type("event", ev).Msg("sim client event queue full, dropping")
	}
}

// TOTPCode computes the current device code for a secret. Used by sim
// operators and tests to complete a device challenge.
func TOTPCode(secret string) (string, error) {
	return totp.GenerateCode(secret, time.Now())
}
