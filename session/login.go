package session

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/auth"
	"github.com/robrepp/iSCSIInitiator/internal/registry"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// Text keys exchanged during login (RFC 3720, chapter 12).
const (
	keyInitiatorName  = "InitiatorName"
	keyInitiatorAlias = "InitiatorAlias"
	keyTargetName     = "TargetName"
	keyTargetAlias    = "TargetAlias"
	keyTargetAddress  = "TargetAddress"
	keySessionType    = "SessionType"
	keyTPGT           = "TargetPortalGroupTag"

	keyHeaderDigest = "HeaderDigest"
	keyDataDigest   = "DataDigest"
	keyMaxRecvDSL   = "MaxRecvDataSegmentLength"

	keyMaxConnections     = "MaxConnections"
	keyInitialR2T         = "InitialR2T"
	keyImmediateData      = "ImmediateData"
	keyMaxBurstLength     = "MaxBurstLength"
	keyFirstBurstLength   = "FirstBurstLength"
	keyDefaultTime2Wait   = "DefaultTime2Wait"
	keyDefaultTime2Retain = "DefaultTime2Retain"
	keyErrorRecoveryLevel = "ErrorRecoveryLevel"

	sessionTypeNormal    = "Normal"
	sessionTypeDiscovery = "Discovery"
)

// RFC 3720 defaults applied when the caller leaves a field zero.
const (
	defaultMaxRecvDSL       = 8192
	defaultMaxBurstLength   = 262144
	defaultFirstBurstLength = 65536
	defaultTime2Wait        = 2
	defaultTime2Retain      = 20
)

// errRedirect is an internal control-flow signal: the target asked us
// to retry the login against outcome.redirect.
var errRedirect = errors.New("session: login redirected")

// loginExchange drives the PDU exchange of one login attempt on one
// open connection. It is registry-free; the Manager commits its outcome.
type loginExchange struct {
	conn iscsi.Conn
	log  *logrus.Entry

	initiatorName  string
	initiatorAlias string
	sessionType    string
	targetIQN      string

	isid    [6]byte
	tsih    uint16
	cid     iscsi.ConnectionID
	leading bool

	neg     *auth.Negotiator
	sessCfg *iscsi.SessionConfig
	connCfg *iscsi.ConnectionConfig

	itt       uint32
	cmdSN     uint32
	expStatSN uint32

	// onStage, when set, reports state-machine transitions back to the
	// registry.
	onStage func(registry.ConnState)
}

// loginOutcome is what one attempt produced: the target's verbatim
// status code, the TSIH on success, or the redirect portal.
type loginOutcome struct {
	status      iscsi.LoginStatusCode
	tsih        uint16
	redirect    *iscsi.Portal
	targetAlias string
}

// run performs the full login sequence: security negotiation, then
// operational negotiation, ending in full-feature phase. The returned
// error is nil only when outcome.status is success.
func (lx *loginExchange) run(ctx context.Context) (*loginOutcome, error) {
	lx.itt = 1
	lx.cmdSN = 1
	outcome := &loginOutcome{}

	lx.stage(registry.StateSecurityNegotiation)
	if err := lx.securityStage(ctx, outcome); err != nil {
		return outcome, err
	}
	lx.stage(registry.StateOperationalNegotiation)
	if err := lx.operationalStage(ctx, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// securityStage authenticates against the target, leaving the exchange
// ready for the operational stage.
func (lx *loginExchange) securityStage(ctx context.Context, outcome *loginOutcome) error {
	params := pdu.NewParams()
	params.Set(keyInitiatorName, lx.initiatorName)
	if lx.initiatorAlias != "" {
		params.Set(keyInitiatorAlias, lx.initiatorAlias)
	}
	params.Set(keySessionType, lx.sessionType)
	if lx.sessionType == sessionTypeNormal {
		params.Set(keyTargetName, lx.targetIQN)
	}
	params.Set(auth.KeyAuthMethod, lx.neg.Offer())

	// With a bare None offer we ask to transit out of the security
	// stage on the very first PDU.
	transit := lx.neg.NoneOnly()
	resp, err := lx.exchange(ctx, pdu.StageSecurityNeg, pdu.StageLoginOp, transit, params)
	if err != nil {
		return err
	}
	replyParams, err := lx.checkResponse(resp, outcome)
	if err != nil {
		return err
	}
	lx.captureSessionKeys(replyParams, outcome)

	methodValue, _ := replyParams.Get(auth.KeyAuthMethod)
	if methodValue == "" {
		methodValue = iscsi.AuthMethodNone.String()
	}
	method, err := lx.neg.ChooseMethod(methodValue)
	if err != nil {
		return err
	}

	switch method {
	case iscsi.AuthMethodNone:
		if resp.LoginTransit() {
			return nil
		}
		// Target chose None but stayed in the stage; ask to transit.
		return lx.transitSecurity(ctx, pdu.NewParams(), outcome)

	case iscsi.AuthMethodCHAP:
		algoResp, err := lx.exchange(ctx, pdu.StageSecurityNeg, pdu.StageLoginOp, false, lx.neg.AlgorithmParams())
		if err != nil {
			return err
		}
		challenge, err := lx.checkResponse(algoResp, outcome)
		if err != nil {
			return err
		}
		answer, err := lx.neg.RespondToChallenge(challenge)
		if err != nil {
			return err
		}
		finalResp, err := lx.exchange(ctx, pdu.StageSecurityNeg, pdu.StageLoginOp, true, answer)
		if err != nil {
			return err
		}
		finalParams, err := lx.checkResponse(finalResp, outcome)
		if err != nil {
			return err
		}
		if err := lx.neg.VerifyTarget(finalParams); err != nil {
			return err
		}
		if !finalResp.LoginTransit() {
			return lx.transitSecurity(ctx, pdu.NewParams(), outcome)
		}
		return nil
	}
	return errors.Wrapf(iscsi.ErrUnsupportedMethod, "method %s", method)
}

func (lx *loginExchange) stage(s registry.ConnState) {
	if lx.onStage != nil {
		lx.onStage(s)
	}
}

// transitSecurity sends an empty security-stage PDU asking the target
// to move to the operational stage.
func (lx *loginExchange) transitSecurity(ctx context.Context, params *pdu.Params, outcome *loginOutcome) error {
	resp, err := lx.exchange(ctx, pdu.StageSecurityNeg, pdu.StageLoginOp, true, params)
	if err != nil {
		return err
	}
	if _, err := lx.checkResponse(resp, outcome); err != nil {
		return err
	}
	if !resp.LoginTransit() {
		return errors.Wrap(iscsi.ErrProtocol, "target refused to leave security stage")
	}
	return nil
}

// operationalStage negotiates the operational keys and transits to
// full-feature phase.
func (lx *loginExchange) operationalStage(ctx context.Context, outcome *loginOutcome) error {
	params := lx.operationalParams()
	for {
		resp, err := lx.exchange(ctx, pdu.StageLoginOp, pdu.StageFullFeature, true, params)
		if err != nil {
			return err
		}
		replyParams, err := lx.checkResponse(resp, outcome)
		if err != nil {
			return err
		}
		lx.mergeOperationalKeys(replyParams)
		lx.captureSessionKeys(replyParams, outcome)
		if resp.LoginTransit() && resp.LoginNSG() == pdu.StageFullFeature {
			outcome.tsih = resp.TSIH()
			outcome.status = iscsi.LoginStatusSuccess
			return nil
		}
		// Target wants more PDUs in this stage; keep answering until it
		// transits.
		params = pdu.NewParams()
	}
}

// operationalParams declares our operational preferences. Session-wide
// keys are only negotiated on the leading connection of a normal
// session; MC/S attaches and discovery sessions send connection keys.
func (lx *loginExchange) operationalParams() *pdu.Params {
	params := pdu.NewParams()

	params.Set(keyHeaderDigest, digestOffer(lx.connCfg.HeaderDigest))
	params.Set(keyDataDigest, digestOffer(lx.connCfg.DataDigest))
	mrdsl := lx.connCfg.MaxRecvDataSegmentLength
	if mrdsl == 0 {
		mrdsl = defaultMaxRecvDSL
	}
	params.Set(keyMaxRecvDSL, strconv.FormatUint(uint64(mrdsl), 10))

	if lx.leading && lx.sessionType == sessionTypeNormal {
		cfg := lx.sessCfg
		maxConns := cfg.MaxConnections
		if maxConns == 0 {
			maxConns = 1
		}
		params.Set(keyMaxConnections, strconv.FormatUint(uint64(maxConns), 10))
		params.Set(keyInitialR2T, boolValue(cfg.InitialR2T))
		params.Set(keyImmediateData, boolValue(cfg.ImmediateData))
		params.Set(keyMaxBurstLength, strconv.FormatUint(uint64(orDefault(cfg.MaxBurstLength, defaultMaxBurstLength)), 10))
		params.Set(keyFirstBurstLength, strconv.FormatUint(uint64(orDefault(cfg.FirstBurstLength, defaultFirstBurstLength)), 10))
		params.Set(keyDefaultTime2Wait, strconv.FormatUint(uint64(orDefault(cfg.DefaultTime2Wait, defaultTime2Wait)), 10))
		params.Set(keyDefaultTime2Retain, strconv.FormatUint(uint64(orDefault(cfg.DefaultTime2Retain, defaultTime2Retain)), 10))
		params.Set(keyErrorRecoveryLevel, strconv.Itoa(int(cfg.ErrorRecoveryLevel)))
	}
	return params
}

// mergeOperationalKeys folds the target's answers into the negotiated
// configuration.
func (lx *loginExchange) mergeOperationalKeys(replyParams *pdu.Params) {
	if v, ok := replyParams.Get(keyHeaderDigest); ok {
		lx.connCfg.HeaderDigest = digestFromValue(v)
	}
	if v, ok := replyParams.Get(keyDataDigest); ok {
		lx.connCfg.DataDigest = digestFromValue(v)
	}
	if !lx.leading || lx.sessionType != sessionTypeNormal {
		return
	}
	cfg := lx.sessCfg
	if v, ok := getUint32(replyParams, keyMaxConnections); ok {
		cfg.MaxConnections = v
	}
	if v, ok := getUint32(replyParams, keyMaxBurstLength); ok {
		cfg.MaxBurstLength = v
	}
	if v, ok := getUint32(replyParams, keyFirstBurstLength); ok {
		cfg.FirstBurstLength = v
	}
	if v, ok := getUint32(replyParams, keyDefaultTime2Wait); ok {
		cfg.DefaultTime2Wait = v
	}
	if v, ok := getUint32(replyParams, keyDefaultTime2Retain); ok {
		cfg.DefaultTime2Retain = v
	}
	if v, ok := getUint32(replyParams, keyErrorRecoveryLevel); ok {
		cfg.ErrorRecoveryLevel = uint8(v)
	}
	if v, ok := replyParams.Get(keyInitialR2T); ok {
		cfg.InitialR2T = v == "Yes"
	}
	if v, ok := replyParams.Get(keyImmediateData); ok {
		cfg.ImmediateData = v == "Yes"
	}
}

// captureSessionKeys records session-level answers the target may send
// in any stage: the portal group tag and its alias.
func (lx *loginExchange) captureSessionKeys(replyParams *pdu.Params, outcome *loginOutcome) {
	if lx.sessCfg != nil {
		if v, ok := getUint32(replyParams, keyTPGT); ok {
			lx.sessCfg.TargetPortalGroupTag = uint16(v)
		}
	}
	if v, ok := replyParams.Get(keyTargetAlias); ok {
		outcome.targetAlias = v
	}
}

// exchange sends one login request and waits for the matching response.
func (lx *loginExchange) exchange(ctx context.Context, csg, nsg uint8, transit bool, params *pdu.Params) (*pdu.PDU, error) {
	req := &pdu.PDU{}
	req.SetOpcode(pdu.OpLoginReq)
	req.SetImmediate()
	req.SetLoginStages(csg, nsg)
	req.SetLoginTransit(transit)
	req.SetISID(lx.isid)
	req.SetTSIH(lx.tsih)
	req.SetCID(uint16(lx.cid))
	req.SetInitiatorTaskTag(lx.itt)
	req.SetCmdSN(lx.cmdSN)
	req.SetExpStatSN(lx.expStatSN)
	req.Data = params.Encode()

	if err := lx.conn.Send(req); err != nil {
		return nil, lx.transportError(ctx, err)
	}
	resp, err := lx.conn.Receive()
	if err != nil {
		return nil, lx.transportError(ctx, err)
	}
	if resp.Opcode() != pdu.OpLoginResp {
		return nil, errors.Wrapf(iscsi.ErrProtocol, "expected Login-Response, got %s", pdu.OpcodeName(resp.Opcode()))
	}
	lx.expStatSN = resp.StatSN() + 1
	return resp, nil
}

// checkResponse validates the target's status code and parses the reply
// parameters. Redirects surface as errRedirect with outcome.redirect
// populated; other non-success statuses surface verbatim.
func (lx *loginExchange) checkResponse(resp *pdu.PDU, outcome *loginOutcome) (*pdu.Params, error) {
	status := iscsi.LoginStatusCode(uint16(resp.LoginStatusClass())<<8 | uint16(resp.LoginStatusDetail()))
	outcome.status = status

	replyParams, err := pdu.ParseParams(resp.Data)
	if err != nil {
		return nil, errors.Wrap(iscsi.ErrProtocol, err.Error())
	}

	switch {
	case status == iscsi.LoginStatusSuccess:
		return replyParams, nil
	case status.IsRedirect():
		addr, ok := replyParams.Get(keyTargetAddress)
		if !ok {
			return nil, errors.Wrap(iscsi.ErrProtocol, "redirect without TargetAddress")
		}
		portal, err := parseTargetAddress(addr)
		if err != nil {
			return nil, err
		}
		outcome.redirect = &portal
		return nil, errRedirect
	case status == iscsi.LoginStatusAuthenticationFailure:
		return nil, errors.Wrapf(iscsi.ErrAuthenticationRejected, "login status %#04x", uint16(status))
	default:
		return nil, iscsi.NewLoginError("login", status)
	}
}

// transportError maps a mid-exchange transport failure, preferring the
// context's verdict when the caller cancelled or timed out.
func (lx *loginExchange) transportError(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.Canceled:
		return errors.Wrap(context.Canceled, "login cancelled")
	case context.DeadlineExceeded:
		return errors.Wrap(iscsi.ErrTimeout, "login deadline exceeded")
	}
	return errors.Wrap(err, "login transport failure")
}

// loginConnection opens the transport, runs the login exchange (chasing
// redirects up to the bound), and commits the result to the registry.
// On any failure the transport is closed and no partial state remains
// on the connection entity; the caller releases the CID.
func (m *Manager) loginConnection(ctx context.Context, sid iscsi.SessionID, cid iscsi.ConnectionID,
	portal iscsi.Portal, a iscsi.Auth, leading bool, targetIQN string) (iscsi.LoginStatusCode, error) {

	neg, err := auth.New(a)
	if err != nil {
		return 0, err
	}
	name, alias := m.identity()

	var isid [6]byte
	var tsih uint16
	var sessCfg iscsi.SessionConfig
	var connCfg iscsi.ConnectionConfig
	if err := m.reg.WithConnection(sid, cid, func(sess *registry.Session, conn *registry.Connection) error {
		isid, tsih = sess.ISID, sess.TSIH
		sessCfg, connCfg = sess.Config, conn.Config
		return nil
	}); err != nil {
		return 0, err
	}

	cur := portal
	for redirects := 0; ; redirects++ {
		if redirects > m.maxRedirects {
			return 0, errors.Wrapf(iscsi.ErrTooManyRedirects, "after %d redirects", m.maxRedirects)
		}

		conn, err := m.transport.Open(ctx, cur)
		if err != nil {
			return 0, errors.Wrapf(err, "opening %s", cur.Addr())
		}
		stopCancel := closeOnCancel(ctx, conn)
		lx := &loginExchange{
			conn:           conn,
			log:            m.log.WithFields(logrus.Fields{"sid": sid, "cid": cid, "portal": cur.Addr()}),
			initiatorName:  name,
			initiatorAlias: alias,
			sessionType:    sessionTypeNormal,
			targetIQN:      targetIQN,
			isid:           isid,
			tsih:           tsih,
			cid:            cid,
			leading:        leading,
			neg:            neg,
			sessCfg:        &sessCfg,
			connCfg:        &connCfg,
			onStage: func(s registry.ConnState) {
				m.setConnState(sid, cid, s)
			},
		}
		outcome, err := lx.run(ctx)
		stopCancel()

		if errors.Is(err, errRedirect) && outcome.redirect != nil {
			conn.Close()
			lx.log.WithField("redirect", outcome.redirect.Addr()).Debug("login redirected")
			cur = *outcome.redirect
			continue
		}
		if err != nil {
			conn.Close()
			m.setConnState(sid, cid, registry.StateFree)
			return outcome.status, err
		}

		// Commit: the connection enters full-feature phase; the leading
		// connection also carries the session-level results.
		commitErr := m.reg.WithConnection(sid, cid, func(sess *registry.Session, c *registry.Connection) error {
			c.Conn = conn
			c.State = registry.StateFullFeature
			c.Portal = cur
			c.Config = connCfg
			if leading {
				sess.TSIH = outcome.tsih
				sess.Config = sessCfg
				if outcome.targetAlias != "" && sess.Target.Alias == "" {
					sess.Target.Alias = outcome.targetAlias
				}
			}
			return nil
		})
		if commitErr != nil {
			conn.Close()
			return outcome.status, commitErr
		}
		return outcome.status, nil
	}
}

// setConnState updates the state-machine position of a connection,
// ignoring a vanished handle (rollback races are the caller's concern).
func (m *Manager) setConnState(sid iscsi.SessionID, cid iscsi.ConnectionID, state registry.ConnState) {
	err := m.reg.WithConnection(sid, cid, func(_ *registry.Session, conn *registry.Connection) error {
		conn.State = state
		return nil
	})
	if err == nil && m.connStateHook != nil {
		m.connStateHook(cid, state)
	}
}

// closeOnCancel closes conn when ctx is done, unblocking any pending
// Receive. The returned stop function must be called when the exchange
// finishes.
func closeOnCancel(ctx context.Context, conn iscsi.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func digestOffer(d iscsi.DigestType) string {
	if d == iscsi.DigestTypeCRC32C {
		return "CRC32C,None"
	}
	return "None"
}

func digestFromValue(v string) iscsi.DigestType {
	if v == "CRC32C" {
		return iscsi.DigestTypeCRC32C
	}
	return iscsi.DigestTypeNone
}

func boolValue(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func getUint32(p *pdu.Params, key string) (uint32, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
