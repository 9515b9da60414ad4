package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/internal/registry"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// logoutResponseWait bounds how long we wait for a target to answer a
// logout request before tearing the transport down anyway.
const logoutResponseWait = 10 * time.Second

// LogoutConnection removes one connection from its session. If it is
// the session's last connection the session is released with it. The
// target's logout response code is returned verbatim.
func (m *Manager) LogoutConnection(ctx context.Context, sid iscsi.SessionID, cid iscsi.ConnectionID) (iscsi.LogoutStatusCode, error) {
	if m.reg.Quiescing() {
		return 0, errors.Wrap(iscsi.ErrQuiescing, "logout connection")
	}
	status, err := m.closeConnection(ctx, sid, cid, iscsi.LogoutReasonCloseConnection, true)
	if err != nil {
		return status, err
	}
	m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid}).Info("connection logged out")
	return status, nil
}

// LogoutSession closes the whole session: every sibling connection is
// driven through its own LoggingOut transition before the SID is
// released. The sweep always runs to completion; the first leg failure
// is returned once every CID is gone, and the status code is only the
// target's when the error is nil.
func (m *Manager) LogoutSession(ctx context.Context, sid iscsi.SessionID) (iscsi.LogoutStatusCode, error) {
	if m.reg.Quiescing() {
		return 0, errors.Wrap(iscsi.ErrQuiescing, "logout session")
	}
	cids, err := m.reg.ConnectionIDs(sid)
	if err != nil {
		return 0, err
	}

	// The close-session request travels on the first full-feature
	// connection and covers every leg; siblings are then torn down
	// without their own wire exchange. Teardown is not abortable midway:
	// leg failures are collected and the remaining legs still released,
	// so no partial session survives.
	var status iscsi.LogoutStatusCode
	var firstErr error
	carrierFound := false
	for _, cid := range cids {
		var legErr error
		if !carrierFound && m.connInFullFeature(sid, cid) {
			carrierFound = true
			status, legErr = m.closeConnection(ctx, sid, cid, iscsi.LogoutReasonCloseSession, true)
		} else {
			_, legErr = m.closeConnection(ctx, sid, cid, iscsi.LogoutReasonCloseSession, false)
		}
		if legErr != nil {
			if firstErr == nil {
				firstErr = legErr
			}
			m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid}).
				WithError(legErr).Warn("logout leg failed, releasing anyway")
		}
	}
	if firstErr != nil {
		return status, firstErr
	}
	m.log.WithFields(logrus.Fields{"sid": sid, "connections": len(cids)}).Info("session logged out")
	return status, nil
}

// connInFullFeature reports whether the connection is in full-feature
// phase and can carry a logout request.
func (m *Manager) connInFullFeature(sid iscsi.SessionID, cid iscsi.ConnectionID) bool {
	inFFP := false
	_ = m.reg.WithConnection(sid, cid, func(_ *registry.Session, c *registry.Connection) error {
		inFFP = c.State == registry.StateFullFeature && c.Conn != nil
		return nil
	})
	return inFFP
}

// closeConnection drives one connection through LoggingOut and releases
// its CID. When exchange is true a logout request/response is performed
// on the wire; otherwise the leg is torn down silently (sibling legs of
// a close-session, or an already-dead transport).
func (m *Manager) closeConnection(ctx context.Context, sid iscsi.SessionID, cid iscsi.ConnectionID,
	reason iscsi.LogoutReason, exchange bool) (iscsi.LogoutStatusCode, error) {

	var conn iscsi.Conn
	err := m.reg.WithConnection(sid, cid, func(_ *registry.Session, c *registry.Connection) error {
		conn = c.Conn
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.setConnState(sid, cid, registry.StateLoggingOut)

	if m.kernel != nil {
		_ = m.kernel.DeactivateConnection(sid, cid)
	}

	key := connKey{sid: sid, cid: cid}
	status := iscsi.LogoutStatusSuccess
	var exchangeErr error
	if exchange && conn != nil {
		status, exchangeErr = m.logoutExchange(ctx, key, conn, cid, reason)
	}

	m.stopWatcher(key)
	if conn != nil {
		conn.Close()
	}
	m.setConnState(sid, cid, registry.StateFree)
	if _, err := m.reg.ReleaseConnection(sid, cid); err != nil {
		return status, err
	}
	return status, exchangeErr
}

// logoutExchange sends the logout request and waits for the response,
// which arrives through the connection's watcher.
func (m *Manager) logoutExchange(ctx context.Context, key connKey, conn iscsi.Conn,
	cid iscsi.ConnectionID, reason iscsi.LogoutReason) (iscsi.LogoutStatusCode, error) {

	req := &pdu.PDU{}
	req.SetOpcode(pdu.OpLogoutReq)
	req.SetImmediate()
	req.SetLogoutReason(logoutReasonCode(reason))
	req.SetCID(uint16(cid))
	req.SetInitiatorTaskTag(1)
	if err := conn.Send(req); err != nil {
		return 0, errors.Wrap(err, "sending logout request")
	}

	m.mu.Lock()
	w := m.watchers[key]
	m.mu.Unlock()
	if w == nil {
		// No watcher (discovery-style direct exchange): read inline.
		resp, err := conn.Receive()
		if err != nil {
			return 0, errors.Wrap(err, "awaiting logout response")
		}
		if resp.Opcode() != pdu.OpLogoutResp {
			return 0, errors.Wrapf(iscsi.ErrProtocol, "expected Logout-Response, got %s", pdu.OpcodeName(resp.Opcode()))
		}
		return iscsi.LogoutStatusCode(resp.LogoutResponse()), nil
	}

	timer := time.NewTimer(logoutResponseWait)
	defer timer.Stop()
	select {
	case resp := <-w.logoutResp:
		return iscsi.LogoutStatusCode(resp.LogoutResponse()), nil
	case <-ctx.Done():
		return 0, errors.Wrap(iscsi.ErrTimeout, "logout cancelled")
	case <-timer.C:
		return 0, errors.Wrap(iscsi.ErrTimeout, "no logout response")
	}
}

func logoutReasonCode(reason iscsi.LogoutReason) uint8 {
	switch reason {
	case iscsi.LogoutReasonCloseConnection:
		return pdu.LogoutCloseConnection
	case iscsi.LogoutReasonRemoveForRecovery:
		return pdu.LogoutRemoveForRecovery
	default:
		return pdu.LogoutCloseSession
	}
}
