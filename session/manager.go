// Package session implements the iSCSI initiator session-management
// core: login and logout of sessions and their MC/S connections,
// SendTargets discovery, and sleep/wake continuity of active sessions.
//
// All state lives in an explicitly constructed Manager; callers hold
// SID/CID handles and resolve them through the Manager on every call.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/internal/registry"
)

// DefaultInitiatorName is used until SetInitiatorName is called.
const DefaultInitiatorName = "iqn.2015-01.com.localhost:initiator"

const defaultMaxRedirects = 8

// AuthProvider supplies credentials when the Manager has to log in on
// its own initiative, i.e. when replaying sessions at wake. Credentials
// passed to Login* calls are consumed by that attempt and never
// retained, so wake-time logins ask the caller again.
type AuthProvider func(target iscsi.Target, portal iscsi.Portal) iscsi.Auth

// Options configures a Manager.
type Options struct {
	// Transport opens connections to portals. Required.
	Transport iscsi.Transport
	// Kernel receives quiesce/resume and activation signals. Optional.
	Kernel iscsi.KernelInterface
	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
	// Limits bounds the identifier space.
	Limits registry.Limits
	// MaxRedirects bounds login redirect chasing. Zero means 8.
	MaxRedirects int
	// AuthProvider is consulted for wake-time logins. Nil means None.
	AuthProvider AuthProvider

	InitiatorName  string
	InitiatorAlias string
}

// Manager tracks every active session and connection and exposes the
// operation catalog of the initiator core.
type Manager struct {
	transport    iscsi.Transport
	kernel       iscsi.KernelInterface
	log          *logrus.Logger
	reg          *registry.Registry
	maxRedirects int
	authProvider AuthProvider

	mu             sync.Mutex
	initiatorName  string
	initiatorAlias string
	snapshot       *sleepSnapshot
	watchers       map[connKey]*watcher
	closed         bool

	// connStateHook observes connection state transitions. Tests only;
	// it is never set in production use.
	connStateHook func(iscsi.ConnectionID, registry.ConnState)

	events chan Event
}

// NewManager initializes the session-management core. The caller owns
// the returned Manager and must Close it to release kernel and
// transport resources.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: Options.Transport is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	name := opts.InitiatorName
	if name == "" {
		name = DefaultInitiatorName
	}
	return &Manager{
		transport:      opts.Transport,
		kernel:         opts.Kernel,
		log:            log,
		reg:            registry.New(opts.Limits),
		maxRedirects:   maxRedirects,
		authProvider:   opts.AuthProvider,
		initiatorName:  name,
		initiatorAlias: opts.InitiatorAlias,
		watchers:       make(map[connKey]*watcher),
		events:         make(chan Event, 64),
	}, nil
}

// Close logs out every remaining session, closes the events channel,
// and shuts the Manager down. The Manager must not be used after Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	for _, sid := range m.reg.SessionIDs() {
		if _, err := m.LogoutSession(context.Background(), sid); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// emit checks m.closed under the same lock, so nothing can send on
	// the channel once we close it here.
	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return firstErr
}

// Events returns the channel on which unsolicited connection- and
// session-lost notifications are delivered. The channel is closed by
// Close.
func (m *Manager) Events() <-chan Event { return m.events }

// SetInitiatorName sets the IQN-format name exchanged with targets
// during negotiation. It affects all subsequent logins.
func (m *Manager) SetInitiatorName(iqn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiatorName = iqn
}

// SetInitiatorAlias sets the alias exchanged with targets during
// negotiation. It affects all subsequent logins.
func (m *Manager) SetInitiatorAlias(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiatorAlias = alias
}

func (m *Manager) identity() (name, alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiatorName, m.initiatorAlias
}

// LoginSession creates a normal session to target via portal and logs
// in its leading connection. On success it returns the new SID/CID
// pair; on a target-reported rejection the status code is returned
// alongside the error, verbatim. Partial state is always rolled back
// before an error surfaces.
func (m *Manager) LoginSession(ctx context.Context, target iscsi.Target, portal iscsi.Portal, a iscsi.Auth,
	sessCfg iscsi.SessionConfig, connCfg iscsi.ConnectionConfig) (iscsi.SessionID, iscsi.ConnectionID, iscsi.LoginStatusCode, error) {

	sid, err := m.reg.AllocateSession(target, sessCfg, makeISID())
	if err != nil {
		return 0, 0, 0, err
	}
	cid, err := m.reg.AllocateConnection(sid, portal, connCfg)
	if err != nil {
		m.reg.ReleaseSession(sid)
		return 0, 0, 0, err
	}
	if err := m.reg.BeginLogin(sid, portal); err != nil {
		m.reg.ReleaseSession(sid)
		return 0, 0, 0, err
	}
	defer m.reg.EndLogin(sid, portal)

	status, err := m.loginConnection(ctx, sid, cid, portal, a, true, target.IQN)
	if err != nil {
		m.reg.ReleaseSession(sid)
		return 0, 0, status, err
	}

	m.startWatcher(sid, cid)
	if m.kernel != nil {
		if kerr := m.kernel.ActivateConnection(sid, cid); kerr != nil {
			m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid}).
				WithError(kerr).Warn("kernel activation failed")
		}
	}
	m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid, "target": target.IQN, "portal": portal.Addr()}).
		Info("session logged in")
	return sid, cid, status, nil
}

// LoginConnection adds an MC/S connection to an existing session. The
// new connection performs only connection-level negotiation and then
// attaches to the session's connection set.
func (m *Manager) LoginConnection(ctx context.Context, sid iscsi.SessionID, portal iscsi.Portal, a iscsi.Auth,
	connCfg iscsi.ConnectionConfig) (iscsi.ConnectionID, iscsi.LoginStatusCode, error) {

	var targetIQN string
	err := m.reg.WithSession(sid, func(sess *registry.Session) error {
		targetIQN = sess.Target.IQN
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	// Claim the (session, portal) pair first: a concurrent duplicate is
	// an attempt in progress, not an established connection.
	if err := m.reg.BeginLogin(sid, portal); err != nil {
		return 0, 0, err
	}
	defer m.reg.EndLogin(sid, portal)

	if err := m.checkSessionConnectionBudget(sid); err != nil {
		return 0, 0, err
	}
	if _, err := m.reg.FindConnectionByPortal(sid, portal); err == nil {
		return 0, 0, errors.Wrapf(iscsi.ErrSessionExists, "connection to %s on session %d", portal.Addr(), sid)
	}

	cid, err := m.reg.AllocateConnection(sid, portal, connCfg)
	if err != nil {
		return 0, 0, err
	}

	status, err := m.loginConnection(ctx, sid, cid, portal, a, false, targetIQN)
	if err != nil {
		m.reg.ReleaseConnection(sid, cid)
		return 0, status, err
	}

	m.startWatcher(sid, cid)
	if m.kernel != nil {
		if kerr := m.kernel.ActivateConnection(sid, cid); kerr != nil {
			m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid}).
				WithError(kerr).Warn("kernel activation failed")
		}
	}
	m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid, "portal": portal.Addr()}).
		Info("connection attached")
	return cid, status, nil
}

// SessionIDForTarget returns the SID of the session logged in to the
// named target, or ErrNotFound.
func (m *Manager) SessionIDForTarget(iqn string) (iscsi.SessionID, error) {
	return m.reg.FindSessionByTarget(iqn)
}

// ConnectionIDForPortal returns the CID of the session's connection to
// the given portal, or ErrNotFound.
func (m *Manager) ConnectionIDForPortal(sid iscsi.SessionID, portal iscsi.Portal) (iscsi.ConnectionID, error) {
	return m.reg.FindConnectionByPortal(sid, portal)
}

// ListSessions returns the identifiers of all active sessions.
func (m *Manager) ListSessions() []iscsi.SessionID { return m.reg.SessionIDs() }

// ListConnections returns the identifiers of the session's connections.
func (m *Manager) ListConnections(sid iscsi.SessionID) ([]iscsi.ConnectionID, error) {
	return m.reg.ConnectionIDs(sid)
}

// SessionTarget returns the target the session is logged in to.
func (m *Manager) SessionTarget(sid iscsi.SessionID) (iscsi.Target, error) {
	var target iscsi.Target
	err := m.reg.WithSession(sid, func(sess *registry.Session) error {
		target = sess.Target
		return nil
	})
	return target, err
}

// SessionConfig returns the session's negotiated configuration.
func (m *Manager) SessionConfig(sid iscsi.SessionID) (iscsi.SessionConfig, error) {
	var cfg iscsi.SessionConfig
	err := m.reg.WithSession(sid, func(sess *registry.Session) error {
		cfg = sess.Config
		return nil
	})
	return cfg, err
}

// ConnectionPortal returns the portal the connection was opened
// against.
func (m *Manager) ConnectionPortal(sid iscsi.SessionID, cid iscsi.ConnectionID) (iscsi.Portal, error) {
	var portal iscsi.Portal
	err := m.reg.WithConnection(sid, cid, func(_ *registry.Session, conn *registry.Connection) error {
		portal = conn.Portal
		return nil
	})
	return portal, err
}

// ConnectionConfig returns the connection's negotiated configuration.
func (m *Manager) ConnectionConfig(sid iscsi.SessionID, cid iscsi.ConnectionID) (iscsi.ConnectionConfig, error) {
	var cfg iscsi.ConnectionConfig
	err := m.reg.WithConnection(sid, cid, func(_ *registry.Session, conn *registry.Connection) error {
		cfg = conn.Config
		return nil
	})
	return cfg, err
}

// checkSessionConnectionBudget enforces the session's negotiated
// MaxConnections on top of the registry's hard per-session limit.
func (m *Manager) checkSessionConnectionBudget(sid iscsi.SessionID) error {
	var maxConns uint32
	var current int
	err := m.reg.WithSession(sid, func(sess *registry.Session) error {
		maxConns = sess.Config.MaxConnections
		return nil
	})
	if err != nil {
		return err
	}
	ids, err := m.reg.ConnectionIDs(sid)
	if err != nil {
		return err
	}
	current = len(ids)
	if maxConns == 0 {
		maxConns = 1
	}
	if uint32(current) >= maxConns {
		return errors.Wrapf(iscsi.ErrResourceExhausted, "session %d negotiated MaxConnections=%d", sid, maxConns)
	}
	return nil
}

// makeISID builds a 6-byte ISID with the random-format type bits and a
// UUID-derived qualifier.
func makeISID() [6]byte {
	u := uuid.New()
	var isid [6]byte
	copy(isid[:], u[:6])
	// Type bits 10b: random format (RFC 3720, section 10.12.5).
	isid[0] = 0x80 | (isid[0] & 0x3f)
	return isid
}
