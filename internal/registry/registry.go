// Package registry owns the SID->session and (SID,CID)->connection
// mappings. It is the only mutable shared state in the module: every
// mutation takes the registry mutex, so concurrent allocate/release
// calls observe a total order and no two callers are ever handed the
// same SID, or the same CID within a session.
//
// External references are always by identifier value; entities are
// reached through WithSession/WithConnection under the lock, never by
// retained pointer.
package registry

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	iscsi "github.com/robrepp/iSCSIInitiator"
)

// Limits bounds the identifier space. Zero fields take the defaults.
type Limits struct {
	MaxSessions              int
	MaxConnectionsPerSession int
}

const (
	defaultMaxSessions    = 64
	defaultMaxConnections = 8
)

// Session is one live session entity. It is owned by the registry and
// must only be touched under the registry lock (see WithSession).
type Session struct {
	ID     iscsi.SessionID
	Target iscsi.Target
	Config iscsi.SessionConfig

	// ISID is the 6-byte initiator session ID sent on the leading
	// login; TSIH is the target's handle from the final login response.
	ISID [6]byte
	TSIH uint16

	conns   map[iscsi.ConnectionID]*Connection
	nextCID iscsi.ConnectionID
}

// Connection is one TCP leg of a session. The transport handle is
// exclusively owned here and never shared across connections.
type Connection struct {
	ID      iscsi.ConnectionID
	Portal  iscsi.Portal
	Config  iscsi.ConnectionConfig
	Conn    iscsi.Conn
	State   ConnState
	Leading bool
}

// Registry allocates and resolves session and connection identifiers.
type Registry struct {
	mu       sync.Mutex
	limits   Limits
	sessions map[iscsi.SessionID]*Session
	nextSID  iscsi.SessionID

	// quiescing gates all mutations during the sleep window.
	quiescing bool

	// inflight tracks (SID, portal) pairs with a login attempt in
	// flight, so a duplicate request is rejected instead of racing.
	inflight map[loginKey]struct{}
}

type loginKey struct {
	sid  iscsi.SessionID
	addr string
}

// New returns an empty registry.
func New(limits Limits) *Registry {
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = defaultMaxSessions
	}
	if limits.MaxConnectionsPerSession <= 0 {
		limits.MaxConnectionsPerSession = defaultMaxConnections
	}
	return &Registry{
		limits:   limits,
		sessions: make(map[iscsi.SessionID]*Session),
		inflight: make(map[loginKey]struct{}),
	}
}

// AllocateSession reserves a fresh SID for a session to target. A
// target IQN may have at most one live session: the uniqueness check
// and the reservation happen under the same lock acquisition, so two
// concurrent calls for one IQN never both succeed. The SID is never
// one currently assigned; an exhausted identifier space or session
// limit yields ErrResourceExhausted.
func (r *Registry) AllocateSession(target iscsi.Target, cfg iscsi.SessionConfig, isid [6]byte) (iscsi.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.quiescing {
		return 0, iscsi.ErrQuiescing
	}
	for _, sess := range r.sessions {
		if sess.Target.IQN == target.IQN {
			return 0, errors.Wrapf(iscsi.ErrSessionExists, "target %q", target.IQN)
		}
	}
	if len(r.sessions) >= r.limits.MaxSessions {
		return 0, errors.Wrapf(iscsi.ErrResourceExhausted, "session limit %d reached", r.limits.MaxSessions)
	}

	// Scan from the last allocated SID; recycling only happens once a
	// SID has fully left the map.
	for i := 0; i <= int(^iscsi.SessionID(0)); i++ {
		r.nextSID++
		sid := r.nextSID
		if _, taken := r.sessions[sid]; taken {
			continue
		}
		r.sessions[sid] = &Session{
			ID:     sid,
			Target: target,
			Config: cfg,
			ISID:   isid,
			conns:  make(map[iscsi.ConnectionID]*Connection),
		}
		return sid, nil
	}
	return 0, errors.Wrap(iscsi.ErrResourceExhausted, "session identifier space exhausted")
}

// AllocateConnection reserves a fresh CID under sid.
func (r *Registry) AllocateConnection(sid iscsi.SessionID, portal iscsi.Portal, cfg iscsi.ConnectionConfig) (iscsi.ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.quiescing {
		return 0, iscsi.ErrQuiescing
	}
	sess, ok := r.sessions[sid]
	if !ok {
		return 0, errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	if len(sess.conns) >= r.limits.MaxConnectionsPerSession {
		return 0, errors.Wrapf(iscsi.ErrResourceExhausted, "connection limit %d reached on session %d",
			r.limits.MaxConnectionsPerSession, sid)
	}

	for i := 0; i <= int(^iscsi.ConnectionID(0)); i++ {
		sess.nextCID++
		cid := sess.nextCID
		if _, taken := sess.conns[cid]; taken {
			continue
		}
		sess.conns[cid] = &Connection{
			ID:      cid,
			Portal:  portal,
			Config:  cfg,
			State:   StateFree,
			Leading: len(sess.conns) == 0,
		}
		return cid, nil
	}
	return 0, errors.Wrapf(iscsi.ErrResourceExhausted, "connection identifier space exhausted on session %d", sid)
}

// WithSession runs fn on the session under the registry lock.
func (r *Registry) WithSession(sid iscsi.SessionID, fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	return fn(sess)
}

// WithConnection runs fn on the session and connection under the lock.
func (r *Registry) WithConnection(sid iscsi.SessionID, cid iscsi.ConnectionID, fn func(*Session, *Connection) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	conn, ok := sess.conns[cid]
	if !ok {
		return errors.Wrapf(iscsi.ErrNotFound, "connection %d on session %d", cid, sid)
	}
	return fn(sess, conn)
}

// ReleaseConnection removes the mapping for (sid, cid). If it was the
// session's last connection the session is released in the same step:
// there is no window in which the session is observable with zero
// connections. It reports whether the session went away too.
func (r *Registry) ReleaseConnection(sid iscsi.SessionID, cid iscsi.ConnectionID) (sessionReleased bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sid]
	if !ok {
		return false, errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	if _, ok := sess.conns[cid]; !ok {
		return false, errors.Wrapf(iscsi.ErrNotFound, "connection %d on session %d", cid, sid)
	}
	delete(sess.conns, cid)
	if len(sess.conns) == 0 {
		delete(r.sessions, sid)
		return true, nil
	}
	return false, nil
}

// ReleaseSession removes the session and all its connections. Used for
// rollback of a failed leading login, where no connection may have been
// registered yet.
func (r *Registry) ReleaseSession(sid iscsi.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	delete(r.sessions, sid)
	return nil
}

// FindSessionByTarget returns the SID of the session logged in to the
// named target, if any.
func (r *Registry) FindSessionByTarget(iqn string) (iscsi.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, sess := range r.sessions {
		if sess.Target.IQN == iqn {
			return sid, nil
		}
	}
	return 0, errors.Wrapf(iscsi.ErrNotFound, "no session for target %q", iqn)
}

// FindConnectionByPortal returns the CID of the session's connection to
// the given portal, if any.
func (r *Registry) FindConnectionByPortal(sid iscsi.SessionID, portal iscsi.Portal) (iscsi.ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return 0, errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	for cid, conn := range sess.conns {
		if conn.Portal.Equal(portal) {
			return cid, nil
		}
	}
	return 0, errors.Wrapf(iscsi.ErrNotFound, "no connection to %s on session %d", portal.Addr(), sid)
}

// SessionIDs returns the identifiers of all live sessions, sorted.
func (r *Registry) SessionIDs() []iscsi.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]iscsi.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		ids = append(ids, sid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnectionIDs returns the identifiers of the session's connections,
// sorted.
func (r *Registry) ConnectionIDs(sid iscsi.SessionID) ([]iscsi.ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return nil, errors.Wrapf(iscsi.ErrNotFound, "session %d", sid)
	}
	ids := make([]iscsi.ConnectionID, 0, len(sess.conns))
	for cid := range sess.conns {
		ids = append(ids, cid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// BeginLogin marks a login attempt in flight for (sid, portal). A
// second attempt for the same pair fails with ErrAlreadyInProgress
// until EndLogin is called.
func (r *Registry) BeginLogin(sid iscsi.SessionID, portal iscsi.Portal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiescing {
		return iscsi.ErrQuiescing
	}
	key := loginKey{sid: sid, addr: portal.Addr()}
	if _, busy := r.inflight[key]; busy {
		return errors.Wrapf(iscsi.ErrAlreadyInProgress, "login to %s on session %d", portal.Addr(), sid)
	}
	r.inflight[key] = struct{}{}
	return nil
}

// EndLogin clears the in-flight mark set by BeginLogin.
func (r *Registry) EndLogin(sid iscsi.SessionID, portal iscsi.Portal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, loginKey{sid: sid, addr: portal.Addr()})
}

// SetQuiescing opens or closes the sleep window. While quiescing, all
// mutating operations fail with ErrQuiescing; read-only projections
// keep working so the snapshot can be taken.
func (r *Registry) SetQuiescing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quiescing = v
}

// Quiescing reports whether the sleep window is open.
func (r *Registry) Quiescing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiescing
}
