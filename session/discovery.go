package session

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/auth"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

const keySendTargets = "SendTargets"

// reservedTransferTag marks a text request that starts a new exchange.
const reservedTransferTag = 0xffffffff

// QueryPortalForTargets runs a SendTargets=All discovery session against
// the portal and returns every target it advertises, with their portals.
// The discovery session is ephemeral: it is never registered, and the
// connection is torn down before returning, on every path.
func (m *Manager) QueryPortalForTargets(ctx context.Context, portal iscsi.Portal, a iscsi.Auth) (iscsi.DiscoveryRecord, error) {
	var record iscsi.DiscoveryRecord

	conn, err := m.discoveryLogin(ctx, portal, a)
	if err != nil {
		return record, err
	}
	defer conn.Close()

	text, err := m.sendTargets(ctx, conn)
	if err != nil {
		return record, err
	}
	record.Targets = parseSendTargets(text)

	// Best-effort clean logout; the deferred Close covers failure.
	m.discoveryLogout(conn)

	m.log.WithFields(logrus.Fields{"portal": portal.Addr(), "targets": len(record.Targets)}).
		Info("discovery completed")
	return record, nil
}

// QueryTargetAuthMethod probes which authentication method the portal's
// target would settle on, without authenticating. The login is
// abandoned once the target answers the AuthMethod offer.
func (m *Manager) QueryTargetAuthMethod(ctx context.Context, portal iscsi.Portal, targetIQN string) (iscsi.AuthMethod, error) {
	conn, err := m.transport.Open(ctx, portal)
	if err != nil {
		return 0, errors.Wrapf(err, "opening %s", portal.Addr())
	}
	defer conn.Close()
	stopCancel := closeOnCancel(ctx, conn)
	defer stopCancel()

	name, alias := m.identity()
	params := pdu.NewParams()
	params.Set(keyInitiatorName, name)
	if alias != "" {
		params.Set(keyInitiatorAlias, alias)
	}
	params.Set(keySessionType, sessionTypeNormal)
	params.Set(keyTargetName, targetIQN)
	// Offer everything so the target reveals its preference.
	params.Set(auth.KeyAuthMethod, iscsi.AuthMethodCHAP.String()+","+iscsi.AuthMethodNone.String())

	lx := &loginExchange{
		conn:          conn,
		log:           m.log.WithField("portal", portal.Addr()),
		initiatorName: name,
		sessionType:   sessionTypeNormal,
		targetIQN:     targetIQN,
		isid:          makeISID(),
		connCfg:       &iscsi.ConnectionConfig{},
		itt:           1,
		cmdSN:         1,
	}
	resp, err := lx.exchange(ctx, pdu.StageSecurityNeg, pdu.StageLoginOp, false, params)
	if err != nil {
		return 0, err
	}
	outcome := &loginOutcome{}
	replyParams, err := lx.checkResponse(resp, outcome)
	if err != nil {
		return 0, err
	}
	value, ok := replyParams.Get(auth.KeyAuthMethod)
	if !ok || value == "" || value == iscsi.AuthMethodNone.String() {
		return iscsi.AuthMethodNone, nil
	}
	if value == iscsi.AuthMethodCHAP.String() {
		return iscsi.AuthMethodCHAP, nil
	}
	return 0, errors.Wrapf(iscsi.ErrUnsupportedMethod, "target answered AuthMethod=%s", value)
}

// discoveryLogin opens a connection to the portal and logs it in as a
// discovery session, chasing redirects up to the usual bound. The
// returned connection is in full-feature phase.
func (m *Manager) discoveryLogin(ctx context.Context, portal iscsi.Portal, a iscsi.Auth) (iscsi.Conn, error) {
	neg, err := auth.New(a)
	if err != nil {
		return nil, err
	}
	name, alias := m.identity()
	isid := makeISID()

	cur := portal
	for redirects := 0; ; redirects++ {
		if redirects > m.maxRedirects {
			return nil, errors.Wrapf(iscsi.ErrTooManyRedirects, "after %d redirects", m.maxRedirects)
		}
		conn, err := m.transport.Open(ctx, cur)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", cur.Addr())
		}
		stopCancel := closeOnCancel(ctx, conn)
		lx := &loginExchange{
			conn:           conn,
			log:            m.log.WithField("portal", cur.Addr()),
			initiatorName:  name,
			initiatorAlias: alias,
			sessionType:    sessionTypeDiscovery,
			isid:           isid,
			neg:            neg,
			connCfg:        &iscsi.ConnectionConfig{},
		}
		outcome, err := lx.run(ctx)
		stopCancel()

		if errors.Is(err, errRedirect) && outcome.redirect != nil {
			conn.Close()
			cur = *outcome.redirect
			continue
		}
		if err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// sendTargets issues SendTargets=All and gathers the full text reply,
// following the continue bit across PDUs.
func (m *Manager) sendTargets(ctx context.Context, conn iscsi.Conn) (*pdu.Params, error) {
	req := &pdu.PDU{}
	req.SetOpcode(pdu.OpTextReq)
	req.SetImmediate()
	req.SetFinal()
	req.SetInitiatorTaskTag(2)
	req.SetTargetTransferTag(reservedTransferTag)
	reqParams := pdu.NewParams()
	reqParams.Set(keySendTargets, "All")
	req.Data = reqParams.Encode()

	var data []byte
	for {
		if err := conn.Send(req); err != nil {
			return nil, errors.Wrap(err, "sending text request")
		}
		resp, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(iscsi.ErrTimeout, "discovery cancelled")
			}
			return nil, errors.Wrap(err, "awaiting text response")
		}
		if resp.Opcode() != pdu.OpTextResp {
			return nil, errors.Wrapf(iscsi.ErrProtocol, "expected Text-Response, got %s", pdu.OpcodeName(resp.Opcode()))
		}
		data = append(data, resp.Data...)
		if !resp.Continue() {
			break
		}
		// Ask for the rest with an empty request carrying the target's
		// transfer tag.
		req = &pdu.PDU{}
		req.SetOpcode(pdu.OpTextReq)
		req.SetImmediate()
		req.SetFinal()
		req.SetInitiatorTaskTag(2)
		req.SetTargetTransferTag(resp.TargetTransferTag())
	}

	text, err := pdu.ParseParams(data)
	if err != nil {
		return nil, errors.Wrap(iscsi.ErrProtocol, err.Error())
	}
	return text, nil
}

// discoveryLogout sends a best-effort close-session logout on the
// discovery connection. Failures are ignored; the caller closes the
// transport regardless.
func (m *Manager) discoveryLogout(conn iscsi.Conn) {
	req := &pdu.PDU{}
	req.SetOpcode(pdu.OpLogoutReq)
	req.SetImmediate()
	req.SetLogoutReason(pdu.LogoutCloseSession)
	req.SetInitiatorTaskTag(3)
	if err := conn.Send(req); err != nil {
		return
	}
	if resp, err := conn.Receive(); err != nil || resp.Opcode() != pdu.OpLogoutResp {
		m.log.Debug("discovery logout went unanswered")
	}
}

// parseSendTargets groups a SendTargets reply into targets. The reply
// interleaves TargetName entries with zero or more TargetAddress entries
// belonging to the name that precedes them; order is significant, hence
// the positional walk over the raw pairs.
func parseSendTargets(text *pdu.Params) []iscsi.Target {
	var targets []iscsi.Target
	for _, pair := range text.Pairs() {
		switch pair.Key {
		case keyTargetName:
			targets = append(targets, iscsi.Target{IQN: pair.Value})
		case keyTargetAddress:
			if len(targets) == 0 {
				continue
			}
			portal, err := parseTargetAddress(pair.Value)
			if err != nil {
				continue
			}
			last := &targets[len(targets)-1]
			last.Portals = append(last.Portals, portal)
		}
	}
	return targets
}

// parseTargetAddress parses a TargetAddress value of the form
// "addr[:port][,portal-group-tag]", where addr may be a bracketed IPv6
// literal.
func parseTargetAddress(v string) (iscsi.Portal, error) {
	portal := iscsi.Portal{Port: iscsi.DefaultPort}

	if i := strings.LastIndexByte(v, ','); i >= 0 {
		// The portal group tag is advisory here; the login exchange
		// learns the authoritative TPGT from the target.
		v = v[:i]
	}
	if v == "" {
		return portal, errors.Wrap(iscsi.ErrProtocol, "empty TargetAddress")
	}

	if v[0] == '[' {
		end := strings.IndexByte(v, ']')
		if end < 0 {
			return portal, errors.Wrapf(iscsi.ErrProtocol, "malformed TargetAddress %q", v)
		}
		portal.Address = v[1:end]
		rest := v[end+1:]
		if rest == "" {
			return portal, nil
		}
		if rest[0] != ':' {
			return portal, errors.Wrapf(iscsi.ErrProtocol, "malformed TargetAddress %q", v)
		}
		return withPort(portal, rest[1:], v)
	}

	if i := strings.LastIndexByte(v, ':'); i >= 0 && strings.Count(v, ":") == 1 {
		portal.Address = v[:i]
		return withPort(portal, v[i+1:], v)
	}
	// No port, or an unbracketed IPv6 literal.
	portal.Address = v
	return portal, nil
}

func withPort(portal iscsi.Portal, portStr, full string) (iscsi.Portal, error) {
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return portal, errors.Wrapf(iscsi.ErrProtocol, "bad port in TargetAddress %q", full)
	}
	portal.Port = uint16(port)
	return portal, nil
}
