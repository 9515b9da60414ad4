package session

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/internal/registry"
)

// sleepSnapshot records what PrepareForSleep tore down so that
// RestoreForWake can rebuild the same sessions under the same handles.
// Credentials are deliberately absent; they come from the AuthProvider
// at wake time.
type sleepSnapshot struct {
	sessions []sessionSnapshot
}

type sessionSnapshot struct {
	sid    iscsi.SessionID
	target iscsi.Target
	config iscsi.SessionConfig
	conns  []connSnapshot
}

type connSnapshot struct {
	cid    iscsi.ConnectionID
	portal iscsi.Portal
	config iscsi.ConnectionConfig
}

// PrepareForSleep quiesces every session for a host power transition:
// kernel I/O is fenced, transports are closed, and the identifier
// registry is frozen so that SIDs and CIDs survive for RestoreForWake.
// A second call without an intervening wake fails with
// ErrPreconditionViolated.
func (m *Manager) PrepareForSleep(ctx context.Context) error {
	m.mu.Lock()
	if m.snapshot != nil {
		m.mu.Unlock()
		return errors.Wrap(iscsi.ErrPreconditionViolated, "already prepared for sleep")
	}
	m.snapshot = &sleepSnapshot{}
	m.mu.Unlock()

	m.reg.SetQuiescing(true)

	snap := &sleepSnapshot{}
	for _, sid := range m.reg.SessionIDs() {
		if m.kernel != nil {
			if err := m.kernel.QuiesceSession(sid); err != nil {
				m.log.WithField("sid", sid).WithError(err).Warn("kernel quiesce failed")
			}
		}

		ss := sessionSnapshot{sid: sid}
		err := m.reg.WithSession(sid, func(sess *registry.Session) error {
			ss.target = sess.Target
			ss.config = sess.Config
			return nil
		})
		if err != nil {
			continue
		}

		cids, err := m.reg.ConnectionIDs(sid)
		if err != nil {
			continue
		}
		for _, cid := range cids {
			cs := connSnapshot{cid: cid}
			var conn iscsi.Conn
			err := m.reg.WithConnection(sid, cid, func(_ *registry.Session, c *registry.Connection) error {
				cs.portal = c.Portal
				cs.config = c.Config
				conn = c.Conn
				c.Conn = nil
				c.State = registry.StateFree
				return nil
			})
			if err != nil {
				continue
			}
			m.stopWatcher(connKey{sid: sid, cid: cid})
			if conn != nil {
				conn.Close()
			}
			ss.conns = append(ss.conns, cs)
		}
		snap.sessions = append(snap.sessions, ss)
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	m.log.WithField("sessions", len(snap.sessions)).Info("prepared for sleep")
	return nil
}

// RestoreForWake replays the login of every session captured by
// PrepareForSleep, under the same SIDs and CIDs. Sessions whose targets
// no longer answer are released and reported through the Events
// channel; the first such failure is also returned after the sweep
// completes. Without a prior PrepareForSleep it fails with
// ErrPreconditionViolated.
func (m *Manager) RestoreForWake(ctx context.Context) error {
	m.mu.Lock()
	snap := m.snapshot
	m.snapshot = nil
	m.mu.Unlock()
	if snap == nil {
		return errors.Wrap(iscsi.ErrPreconditionViolated, "no sleep snapshot")
	}

	var firstErr error
	for _, ss := range snap.sessions {
		if err := m.restoreSession(ctx, ss); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.reg.SetQuiescing(false)
	m.log.WithField("sessions", len(snap.sessions)).Info("restored after wake")
	return firstErr
}

// restoreSession logs every connection of one snapshot session back in.
// On any failure the whole session is released and a lost event is
// emitted, so the caller never keeps a half-restored session.
func (m *Manager) restoreSession(ctx context.Context, ss sessionSnapshot) error {
	// A wake login is a fresh session to the target: zero the TSIH so
	// the leading connection negotiates a new one.
	err := m.reg.WithSession(ss.sid, func(sess *registry.Session) error {
		sess.TSIH = 0
		return nil
	})
	if err != nil {
		return err
	}

	for i, cs := range ss.conns {
		a := iscsi.AuthNone()
		if m.authProvider != nil {
			a = m.authProvider(ss.target, cs.portal)
		}
		leading := i == 0
		if _, err := m.loginConnection(ctx, ss.sid, cs.cid, cs.portal, a, leading, ss.target.IQN); err != nil {
			m.log.WithFields(logrus.Fields{"sid": ss.sid, "cid": cs.cid, "portal": cs.portal.Addr()}).
				WithError(err).Warn("wake restore failed, releasing session")
			m.releaseAfterFailedRestore(ss, i)
			m.emit(Event{Kind: EventSessionLost, SID: ss.sid, CID: cs.cid, Err: err})
			return errors.Wrapf(err, "restoring session %d", ss.sid)
		}
		m.startWatcher(ss.sid, cs.cid)
		if m.kernel != nil {
			if kerr := m.kernel.ActivateConnection(ss.sid, cs.cid); kerr != nil {
				m.log.WithFields(logrus.Fields{"sid": ss.sid, "cid": cs.cid}).
					WithError(kerr).Warn("kernel activation failed")
			}
		}
	}

	if m.kernel != nil {
		if err := m.kernel.ResumeSession(ss.sid); err != nil {
			m.log.WithField("sid", ss.sid).WithError(err).Warn("kernel resume failed")
		}
	}
	return nil
}

// releaseAfterFailedRestore tears down the partially restored session:
// connections restored so far are closed, then the session entity is
// released.
func (m *Manager) releaseAfterFailedRestore(ss sessionSnapshot, failedIndex int) {
	for i := 0; i < failedIndex; i++ {
		cid := ss.conns[i].cid
		key := connKey{sid: ss.sid, cid: cid}
		m.stopWatcher(key)
		_ = m.reg.WithConnection(ss.sid, cid, func(_ *registry.Session, c *registry.Connection) error {
			if c.Conn != nil {
				c.Conn.Close()
				c.Conn = nil
			}
			c.State = registry.StateFree
			return nil
		})
	}
	m.reg.ReleaseSession(ss.sid)
}
