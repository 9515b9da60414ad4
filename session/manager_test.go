package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/internal/registry"
)

var (
	testTarget  = iscsi.Target{IQN: "iqn.2001-04.com.example:storage.disk1"}
	testPortal  = iscsi.Portal{Address: "10.0.0.1", Port: 3260}
	testPortal2 = iscsi.Portal{Address: "10.0.0.2", Port: 3260}
	testPortal3 = iscsi.Portal{Address: "10.0.0.3", Port: 3260}
)

func newTestManager(t *testing.T, ft *fakeTarget, opts ...func(*Options)) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	options := Options{
		Transport: ft,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&options)
	}
	m, err := NewManager(options)
	require.NoError(t, err)
	return m
}

func TestLoginSession(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, cid, status, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	assert.Equal(t, iscsi.LoginStatusSuccess, status)

	assert.Equal(t, []iscsi.SessionID{sid}, m.ListSessions())
	cids, err := m.ListConnections(sid)
	require.NoError(t, err)
	assert.Equal(t, []iscsi.ConnectionID{cid}, cids)

	target, err := m.SessionTarget(sid)
	require.NoError(t, err)
	assert.Equal(t, testTarget.IQN, target.IQN)

	// The target's portal group tag answer lands in the session config.
	cfg, err := m.SessionConfig(sid)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), cfg.TargetPortalGroupTag)

	portal, err := m.ConnectionPortal(sid, cid)
	require.NoError(t, err)
	assert.True(t, portal.Equal(testPortal))

	found, err := m.SessionIDForTarget(testTarget.IQN)
	require.NoError(t, err)
	assert.Equal(t, sid, found)
}

func TestLoginSessionCHAP(t *testing.T) {
	ft := newFakeTarget()
	ft.requireCHAP = true
	ft.chapName = "iqn.2015-01.com.localhost:initiator"
	ft.chapSecret = "initiatorsecret"
	ft.targetChapName = "target"
	ft.targetChapSecret = "targetsecret12"
	m := newTestManager(t, ft)

	chap := &iscsi.CHAPAuth{
		Name:         ft.chapName,
		Secret:       ft.chapSecret,
		Mutual:       true,
		TargetName:   "target",
		TargetSecret: "targetsecret12",
	}
	_, _, status, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthCHAP(chap), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	assert.Equal(t, iscsi.LoginStatusSuccess, status)
	assert.Equal(t, 1, ft.logins())
}

func TestLoginSessionAuthRejected(t *testing.T) {
	ft := newFakeTarget()
	ft.requireCHAP = true
	ft.chapSecret = "rightsecret000"
	m := newTestManager(t, ft)

	chap := &iscsi.CHAPAuth{Name: "initiator", Secret: "wrongsecret000"}
	_, _, status, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthCHAP(chap), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrAuthenticationRejected)
	assert.Equal(t, iscsi.LoginStatusAuthenticationFailure, status)

	// A failed login leaves nothing behind.
	assert.Empty(t, m.ListSessions())
	assert.True(t, ft.lastConn().isClosed())
}

func TestLoginSessionDuplicateTarget(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	_, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	_, _, _, err = m.LoginSession(context.Background(), testTarget, testPortal2,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrSessionExists)
}

func TestLoginRedirect(t *testing.T) {
	ft := newFakeTarget()
	ft.redirects = map[string]iscsi.Portal{testPortal.Addr(): testPortal2}
	m := newTestManager(t, ft)

	sid, cid, status, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	assert.Equal(t, iscsi.LoginStatusSuccess, status)

	// The connection ends up on the portal the target sent us to.
	portal, err := m.ConnectionPortal(sid, cid)
	require.NoError(t, err)
	assert.True(t, portal.Equal(testPortal2))
}

func TestLoginTooManyRedirects(t *testing.T) {
	ft := newFakeTarget()
	ft.redirects = map[string]iscsi.Portal{
		testPortal.Addr():  testPortal2,
		testPortal2.Addr(): testPortal,
	}
	m := newTestManager(t, ft, func(o *Options) { o.MaxRedirects = 3 })

	_, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrTooManyRedirects)
	assert.Empty(t, m.ListSessions())
}

func TestLoginConnection(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, leadingCID, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 4}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	cid, status, err := m.LoginConnection(context.Background(), sid, testPortal2,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	require.NoError(t, err)
	assert.Equal(t, iscsi.LoginStatusSuccess, status)
	assert.NotEqual(t, leadingCID, cid)

	cids, err := m.ListConnections(sid)
	require.NoError(t, err)
	assert.Len(t, cids, 2)

	found, err := m.ConnectionIDForPortal(sid, testPortal2)
	require.NoError(t, err)
	assert.Equal(t, cid, found)

	// A second connection to the same portal is a duplicate.
	_, _, err = m.LoginConnection(context.Background(), sid, testPortal2,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrSessionExists)

	// Unknown session.
	_, _, err = m.LoginConnection(context.Background(), 9999, testPortal3,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	assert.ErrorIs(t, err, iscsi.ErrNotFound)
}

func TestLoginConnectionBudget(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 1}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	_, _, err = m.LoginConnection(context.Background(), sid, testPortal2,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrResourceExhausted)
}

func TestConcurrentDuplicateLogin(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 4}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	stall := make(chan struct{})
	ft.setStall(stall)

	type result struct {
		cid iscsi.ConnectionID
		err error
	}
	first := make(chan result, 1)
	go func() {
		cid, _, err := m.LoginConnection(context.Background(), sid, testPortal2,
			iscsi.AuthNone(), iscsi.ConnectionConfig{})
		first <- result{cid: cid, err: err}
	}()

	// Wait for the first attempt to be on the wire, then race it.
	require.Eventually(t, func() bool {
		return ft.connCount() > 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = m.LoginConnection(context.Background(), sid, testPortal2,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrAlreadyInProgress)

	close(stall)
	ft.setStall(nil)
	winner := <-first
	require.NoError(t, winner.err)

	cids, err := m.ListConnections(sid)
	require.NoError(t, err)
	assert.Len(t, cids, 2)
}

func TestLoginCancellation(t *testing.T) {
	ft := newFakeTarget()
	stall := make(chan struct{})
	defer close(stall)
	ft.setStall(stall)
	m := newTestManager(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, _, _, err := m.LoginSession(ctx, testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.ListSessions())
}

func TestLogoutConnection(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 4}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	cid, _, err := m.LoginConnection(context.Background(), sid, testPortal2,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	require.NoError(t, err)

	status, err := m.LogoutConnection(context.Background(), sid, cid)
	require.NoError(t, err)
	assert.Equal(t, iscsi.LogoutStatusSuccess, status)

	// The session survives on its leading connection.
	cids, err := m.ListConnections(sid)
	require.NoError(t, err)
	assert.Len(t, cids, 1)
	assert.Equal(t, []uint8{1}, ft.logouts())

	_, err = m.LogoutConnection(context.Background(), sid, cid)
	assert.ErrorIs(t, err, iscsi.ErrNotFound)
}

func TestLogoutSession(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 4}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	for _, portal := range []iscsi.Portal{testPortal2, testPortal3} {
		_, _, err := m.LoginConnection(context.Background(), sid, portal,
			iscsi.AuthNone(), iscsi.ConnectionConfig{})
		require.NoError(t, err)
	}

	status, err := m.LogoutSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, iscsi.LogoutStatusSuccess, status)
	assert.Empty(t, m.ListSessions())

	// One close-session request covers every leg of the session.
	assert.Equal(t, []uint8{0}, ft.logouts())

	_, err = m.LogoutSession(context.Background(), sid)
	assert.ErrorIs(t, err, iscsi.ErrNotFound)
}

func TestLogoutSessionExchangeFailure(t *testing.T) {
	ft := newFakeTarget()
	ft.dropLogoutResponses = true
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	// The target swallows the logout request: the caller must see the
	// failure, not a fabricated success status.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = m.LogoutSession(ctx, sid)
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrTimeout)

	// The sweep still ran to completion: nothing left behind.
	assert.Empty(t, m.ListSessions())
	assert.True(t, ft.lastConn().isClosed())
}

func TestLogoutSessionStateTransitions(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 4}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	for _, portal := range []iscsi.Portal{testPortal2, testPortal3} {
		_, _, err := m.LoginConnection(context.Background(), sid, portal,
			iscsi.AuthNone(), iscsi.ConnectionConfig{})
		require.NoError(t, err)
	}
	cids, err := m.ListConnections(sid)
	require.NoError(t, err)
	require.Len(t, cids, 3)

	type transition struct {
		cid   iscsi.ConnectionID
		state registry.ConnState
	}
	var (
		traceMu sync.Mutex
		trace   []transition
	)
	m.connStateHook = func(cid iscsi.ConnectionID, state registry.ConnState) {
		traceMu.Lock()
		trace = append(trace, transition{cid: cid, state: state})
		traceMu.Unlock()
	}

	_, err = m.LogoutSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Empty(t, m.ListSessions())

	// Every leg passed through LoggingOut and then Free while its CID
	// still resolved, i.e. before the SID went away with the last
	// release.
	traceMu.Lock()
	defer traceMu.Unlock()
	for _, cid := range cids {
		var states []registry.ConnState
		for _, tr := range trace {
			if tr.cid == cid {
				states = append(states, tr.state)
			}
		}
		assert.Equal(t, []registry.ConnState{registry.StateLoggingOut, registry.StateFree}, states,
			"connection %d", cid)
	}
}

func TestConnectionLostEvent(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, cid, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	// Kill the transport underneath the watcher.
	ft.lastConn().Close()

	select {
	case ev := <-m.Events():
		assert.Equal(t, EventSessionLost, ev.Kind)
		assert.Equal(t, sid, ev.SID)
		assert.Equal(t, cid, ev.CID)
		assert.Error(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after connection loss")
	}
	assert.Empty(t, m.ListSessions())
}

func TestQueryPortalForTargets(t *testing.T) {
	ft := newFakeTarget()
	ft.targets = []iscsi.Target{
		{IQN: "iqn.2001-04.com.example:storage.disk1", Portals: []iscsi.Portal{
			{Address: "10.0.0.1", Port: 3260},
			{Address: "10.0.0.2", Port: 3260},
		}},
		{IQN: "iqn.2001-04.com.example:storage.disk2", Portals: []iscsi.Portal{
			{Address: "10.0.0.1", Port: 3261},
		}},
	}
	m := newTestManager(t, ft)

	record, err := m.QueryPortalForTargets(context.Background(), testPortal, iscsi.AuthNone())
	require.NoError(t, err)
	require.Len(t, record.Targets, 2)
	assert.Equal(t, "iqn.2001-04.com.example:storage.disk1", record.Targets[0].IQN)
	require.Len(t, record.Targets[0].Portals, 2)
	assert.Equal(t, "10.0.0.2:3260", record.Targets[0].Portals[1].Addr())
	assert.Equal(t, uint16(3261), record.Targets[1].Portals[0].Port)

	// Discovery sessions are ephemeral.
	assert.Empty(t, m.ListSessions())
	assert.True(t, ft.lastConn().isClosed())
	assert.Equal(t, []uint8{0}, ft.logouts())
}

func TestQueryPortalForTargetsFailure(t *testing.T) {
	ft := newFakeTarget()
	ft.rejectText = true
	m := newTestManager(t, ft)

	_, err := m.QueryPortalForTargets(context.Background(), testPortal, iscsi.AuthNone())
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrProtocol)

	// A failed discovery is just as ephemeral as a successful one: no
	// session registered, transport torn down.
	assert.Empty(t, m.ListSessions())
	assert.True(t, ft.lastConn().isClosed())
}

func TestQueryTargetAuthMethod(t *testing.T) {
	t.Run("chap required", func(t *testing.T) {
		ft := newFakeTarget()
		ft.requireCHAP = true
		m := newTestManager(t, ft)

		method, err := m.QueryTargetAuthMethod(context.Background(), testPortal, testTarget.IQN)
		require.NoError(t, err)
		assert.Equal(t, iscsi.AuthMethodCHAP, method)
		assert.True(t, ft.lastConn().isClosed())
	})

	t.Run("open target", func(t *testing.T) {
		ft := newFakeTarget()
		m := newTestManager(t, ft)

		method, err := m.QueryTargetAuthMethod(context.Background(), testPortal, testTarget.IQN)
		require.NoError(t, err)
		assert.Equal(t, iscsi.AuthMethodNone, method)
	})
}

func TestSleepWake(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, leadingCID, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{MaxConnections: 4}, iscsi.ConnectionConfig{})
	require.NoError(t, err)
	extraCID, _, err := m.LoginConnection(context.Background(), sid, testPortal2,
		iscsi.AuthNone(), iscsi.ConnectionConfig{})
	require.NoError(t, err)
	require.Equal(t, 2, ft.logins())

	require.NoError(t, m.PrepareForSleep(context.Background()))

	// Identifiers survive the sleep window; transports do not.
	assert.Equal(t, []iscsi.SessionID{sid}, m.ListSessions())
	for _, c := range ft.allConns() {
		assert.True(t, c.isClosed())
	}

	// Mutations are rejected while quiescing.
	_, _, _, err = m.LoginSession(context.Background(), iscsi.Target{IQN: "iqn.other"}, testPortal3,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	assert.ErrorIs(t, err, iscsi.ErrQuiescing)
	_, err = m.LogoutSession(context.Background(), sid)
	assert.ErrorIs(t, err, iscsi.ErrQuiescing)

	// A second sleep without a wake is a caller bug.
	assert.ErrorIs(t, m.PrepareForSleep(context.Background()), iscsi.ErrPreconditionViolated)

	require.NoError(t, m.RestoreForWake(context.Background()))

	// Same handles, fresh logins.
	assert.Equal(t, []iscsi.SessionID{sid}, m.ListSessions())
	cids, err := m.ListConnections(sid)
	require.NoError(t, err)
	assert.Equal(t, []iscsi.ConnectionID{leadingCID, extraCID}, cids)
	assert.Equal(t, 4, ft.logins())

	// And the restored session is operational: logout works.
	_, err = m.LogoutSession(context.Background(), sid)
	assert.NoError(t, err)
}

func TestRestoreForWakeWithoutSleep(t *testing.T) {
	m := newTestManager(t, newFakeTarget())
	err := m.RestoreForWake(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrPreconditionViolated)
}

func TestSleepWakeEmpty(t *testing.T) {
	m := newTestManager(t, newFakeTarget())
	require.NoError(t, m.PrepareForSleep(context.Background()))
	require.NoError(t, m.RestoreForWake(context.Background()))
}

func TestRestoreForWakeUsesAuthProvider(t *testing.T) {
	ft := newFakeTarget()
	ft.requireCHAP = true
	ft.chapName = "initiator"
	ft.chapSecret = "initiatorsecret"

	chap := &iscsi.CHAPAuth{Name: "initiator", Secret: "initiatorsecret"}
	asked := 0
	m := newTestManager(t, ft, func(o *Options) {
		o.AuthProvider = func(iscsi.Target, iscsi.Portal) iscsi.Auth {
			asked++
			return iscsi.AuthCHAP(chap)
		}
	})

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthCHAP(chap), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	require.NoError(t, m.PrepareForSleep(context.Background()))
	require.NoError(t, m.RestoreForWake(context.Background()))

	// Credentials are never persisted: the wake login had to ask.
	assert.Equal(t, 1, asked)
	assert.Equal(t, []iscsi.SessionID{sid}, m.ListSessions())
}

func TestRestoreForWakeFailure(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	sid, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	require.NoError(t, m.PrepareForSleep(context.Background()))
	ft.setUnreachable(testPortal.Addr(), true)

	err = m.RestoreForWake(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, iscsi.ErrConnectionRefused)

	// The unrestorable session is gone, and its loss was reported.
	assert.Empty(t, m.ListSessions())
	select {
	case ev := <-m.Events():
		assert.Equal(t, EventSessionLost, ev.Kind)
		assert.Equal(t, sid, ev.SID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event for unrestorable session")
	}

	// The registry is unfrozen: new logins work once the target is back.
	ft.setUnreachable(testPortal.Addr(), false)
	_, _, _, err = m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	assert.NoError(t, err)
}

func TestManagerClose(t *testing.T) {
	ft := newFakeTarget()
	m := newTestManager(t, ft)

	_, _, _, err := m.LoginSession(context.Background(), testTarget, testPortal,
		iscsi.AuthNone(), iscsi.SessionConfig{}, iscsi.ConnectionConfig{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Empty(t, m.ListSessions())

	// The events channel is closed with the manager.
	_, open := <-m.Events()
	assert.False(t, open)

	// Close is idempotent.
	assert.NoError(t, m.Close())
}

func TestNewManagerRequiresTransport(t *testing.T) {
	_, err := NewManager(Options{})
	require.Error(t, err)
}

func TestParseTargetAddress(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expected    iscsi.Portal
		expectError bool
	}{
		{name: "host and port", input: "10.0.0.1:3260", expected: iscsi.Portal{Address: "10.0.0.1", Port: 3260}},
		{name: "host only", input: "10.0.0.1", expected: iscsi.Portal{Address: "10.0.0.1", Port: 3260}},
		{name: "with portal group tag", input: "10.0.0.1:3261,1", expected: iscsi.Portal{Address: "10.0.0.1", Port: 3261}},
		{name: "dns name", input: "storage.example.com:860,2", expected: iscsi.Portal{Address: "storage.example.com", Port: 860}},
		{name: "bracketed ipv6", input: "[fe80::1]:3260,1", expected: iscsi.Portal{Address: "fe80::1", Port: 3260}},
		{name: "bracketed ipv6 no port", input: "[fe80::1]", expected: iscsi.Portal{Address: "fe80::1", Port: 3260}},
		{name: "bare ipv6", input: "fe80::1", expected: iscsi.Portal{Address: "fe80::1", Port: 3260}},
		{name: "empty", input: "", expectError: true},
		{name: "bad port", input: "10.0.0.1:port", expectError: true},
		{name: "unclosed bracket", input: "[fe80::1:3260", expectError: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			portal, err := parseTargetAddress(testCase.input)
			if testCase.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, iscsi.ErrProtocol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.expected.Address, portal.Address)
			assert.Equal(t, testCase.expected.Addr(), portal.Addr())
		})
	}
}
