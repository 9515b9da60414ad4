package session

import (
	"github.com/sirupsen/logrus"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/internal/registry"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// EventKind discriminates unsolicited notifications.
type EventKind int

const (
	// EventConnectionLost reports a transport failure on a logged-in
	// connection; its CID has been released.
	EventConnectionLost EventKind = iota
	// EventSessionLost reports that the lost connection was the
	// session's last; the SID has been released with it.
	EventSessionLost
)

// Event is an unsolicited session/connection-lost notification.
// Transport errors in full-feature phase are reported this way, not as
// login errors.
type Event struct {
	Kind EventKind
	SID  iscsi.SessionID
	CID  iscsi.ConnectionID
	Err  error
}

type connKey struct {
	sid iscsi.SessionID
	cid iscsi.ConnectionID
}

// watcher owns the receive side of one full-feature-phase connection:
// it routes logout responses to the waiting logout operation and turns
// transport failures into lost events.
type watcher struct {
	conn       iscsi.Conn
	logoutResp chan *pdu.PDU
	stopped    chan struct{}
	done       chan struct{}
}

// startWatcher begins watching the connection's receive side. Must be
// called once the connection has committed to full-feature phase.
func (m *Manager) startWatcher(sid iscsi.SessionID, cid iscsi.ConnectionID) {
	var conn iscsi.Conn
	if err := m.reg.WithConnection(sid, cid, func(_ *registry.Session, c *registry.Connection) error {
		conn = c.Conn
		return nil
	}); err != nil || conn == nil {
		return
	}
	w := &watcher{
		conn:       conn,
		logoutResp: make(chan *pdu.PDU, 1),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	key := connKey{sid: sid, cid: cid}
	m.mu.Lock()
	m.watchers[key] = w
	m.mu.Unlock()
	go m.watch(key, w)
}

func (m *Manager) watch(key connKey, w *watcher) {
	defer close(w.done)
	for {
		p, err := w.conn.Receive()
		if err != nil {
			select {
			case <-w.stopped:
				// Deliberate teardown; not an event.
			default:
				m.connectionLost(key, err)
			}
			return
		}
		switch p.Opcode() {
		case pdu.OpLogoutResp:
			select {
			case w.logoutResp <- p:
			default:
			}
		case pdu.OpNOPIn:
			// Target ping; the kernel fast path owns NOP traffic, we
			// only observe it here in pure user-space operation.
		case pdu.OpAsyncMsg:
			m.log.WithFields(logrus.Fields{"sid": key.sid, "cid": key.cid}).
				Debug("async message from target")
		default:
			m.log.WithFields(logrus.Fields{"sid": key.sid, "cid": key.cid, "opcode": pdu.OpcodeName(p.Opcode())}).
				Warn("unexpected PDU in full feature phase")
		}
	}
}

// stopWatcher detaches and silences the watcher for (sid, cid). The
// caller owns closing the transport afterwards. Returns nil if no
// watcher was registered or another teardown won the race.
func (m *Manager) stopWatcher(key connKey) *watcher {
	m.mu.Lock()
	w := m.watchers[key]
	delete(m.watchers, key)
	m.mu.Unlock()
	if w != nil {
		close(w.stopped)
	}
	return w
}

// connectionLost tears down a connection that failed underneath us and
// emits the corresponding event.
func (m *Manager) connectionLost(key connKey, cause error) {
	if m.stopWatcher(key) == nil {
		return
	}
	if m.kernel != nil {
		_ = m.kernel.DeactivateConnection(key.sid, key.cid)
	}
	m.setConnState(key.sid, key.cid, registry.StateLoggingOut)
	sessionReleased, err := m.reg.ReleaseConnection(key.sid, key.cid)
	if err != nil {
		return
	}

	kind := EventConnectionLost
	if sessionReleased {
		kind = EventSessionLost
	}
	m.log.WithFields(logrus.Fields{"sid": key.sid, "cid": key.cid}).
		WithError(cause).Warn("connection lost")
	m.emit(Event{Kind: kind, SID: key.sid, CID: key.cid, Err: cause})
}

// emit delivers an event without ever blocking the reactor path. Events
// arriving once Close has begun are dropped; the channel is about to go
// away.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.log.WithFields(logrus.Fields{"sid": ev.SID, "cid": ev.CID}).
			Warn("event channel full, notification dropped")
	}
}
