package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/auth"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// fakeTarget plays the target side of the protocol over in-memory
// connections. One instance serves every portal; behavior knobs make it
// misbehave in the ways the session layer has to survive.
type fakeTarget struct {
	targets []iscsi.Target

	// CHAP behavior. With requireCHAP set the target answers the method
	// offer with CHAP and verifies the initiator's response against
	// chapSecret.
	requireCHAP      bool
	chapName         string
	chapSecret       string
	targetChapName   string
	targetChapSecret string

	// redirects maps a portal addr to the portal the login is bounced
	// to with a moved-temporarily status.
	redirects map[string]iscsi.Portal
	// unreachable portals fail Open.
	unreachable map[string]bool
	// stall, when non-nil, delays every login response until closed.
	stall chan struct{}
	// dropLogoutResponses makes the target record logout requests but
	// never answer them.
	dropLogoutResponses bool
	// rejectText answers every text request with a Reject PDU.
	rejectText bool
	// operationalReplies is appended to every operational-stage
	// response.
	operationalReplies map[string]string

	mu            sync.Mutex
	conns         []*fakeConn
	logoutReasons []uint8
	loginCount    int
	nextTSIH      uint16
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		nextTSIH: 1,
		targets: []iscsi.Target{
			{IQN: "iqn.2001-04.com.example:storage.disk1", Portals: []iscsi.Portal{{Address: "10.0.0.1", Port: 3260}}},
		},
	}
}

var _ iscsi.Transport = (*fakeTarget)(nil)

func (ft *fakeTarget) Open(_ context.Context, portal iscsi.Portal) (iscsi.Conn, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.unreachable[portal.Addr()] {
		return nil, errors.Wrapf(iscsi.ErrConnectionRefused, "dialing %s", portal.Addr())
	}
	c := newFakeConn()
	ft.conns = append(ft.conns, c)
	go ft.serve(c, portal)
	return c, nil
}

func (ft *fakeTarget) connCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.conns)
}

func (ft *fakeTarget) lastConn() *fakeConn {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.conns[len(ft.conns)-1]
}

func (ft *fakeTarget) allConns() []*fakeConn {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeConn(nil), ft.conns...)
}

func (ft *fakeTarget) logouts() []uint8 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]uint8(nil), ft.logoutReasons...)
}

func (ft *fakeTarget) logins() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.loginCount
}

func (ft *fakeTarget) setStall(ch chan struct{}) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stall = ch
}

func (ft *fakeTarget) loginStall() chan struct{} {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.stall
}

func (ft *fakeTarget) setUnreachable(addr string, v bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.unreachable == nil {
		ft.unreachable = make(map[string]bool)
	}
	ft.unreachable[addr] = v
}

// serve is the per-connection target loop.
func (ft *fakeTarget) serve(c *fakeConn, portal iscsi.Portal) {
	inSecurity := true
	chapID := byte(99)
	challenge := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}

	for {
		req, err := c.targetReceive()
		if err != nil {
			return
		}
		switch req.Opcode() {
		case pdu.OpLoginReq:
			if stall := ft.loginStall(); stall != nil {
				<-stall
			}
			resp, ok := ft.handleLogin(req, portal, &inSecurity, chapID, challenge)
			if err := c.targetSend(resp); err != nil || !ok {
				return
			}
		case pdu.OpTextReq:
			if ft.rejectText {
				resp := &pdu.PDU{}
				resp.SetOpcode(pdu.OpReject)
				resp.SetFinal()
				resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
				if err := c.targetSend(resp); err != nil {
					return
				}
				continue
			}
			if err := c.targetSend(ft.handleText(req)); err != nil {
				return
			}
		case pdu.OpLogoutReq:
			ft.mu.Lock()
			ft.logoutReasons = append(ft.logoutReasons, req.LogoutReason())
			ft.mu.Unlock()
			if ft.dropLogoutResponses {
				continue
			}
			resp := &pdu.PDU{}
			resp.SetOpcode(pdu.OpLogoutResp)
			resp.SetLogoutResponse(0)
			resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
			if err := c.targetSend(resp); err != nil {
				return
			}
		}
	}
}

// handleLogin answers one login request. ok is false when the response
// terminates the attempt (a rejection or redirect).
func (ft *fakeTarget) handleLogin(req *pdu.PDU, portal iscsi.Portal, inSecurity *bool, chapID byte, challenge []byte) (*pdu.PDU, bool) {
	reqParams, err := pdu.ParseParams(req.Data)
	if err != nil {
		return loginReject(req, 0x02, 0x00), false
	}

	if !*inSecurity {
		return ft.operationalResponse(req), true
	}

	if redirect, ok := ft.redirects[portal.Addr()]; ok {
		out := pdu.NewParams()
		out.Set("TargetAddress", redirect.Addr())
		resp := loginReject(req, 0x01, 0x01)
		resp.Data = out.Encode()
		return resp, false
	}

	switch {
	case reqParams.Len() > 0 && hasKey(reqParams, auth.KeyAuthMethod):
		out := pdu.NewParams()
		if ft.requireCHAP {
			out.Set(auth.KeyAuthMethod, "CHAP")
			return loginReply(req, out, false, *inSecurity), true
		}
		out.Set(auth.KeyAuthMethod, "None")
		if req.LoginTransit() {
			*inSecurity = false
			return loginReply(req, out, true, true), true
		}
		return loginReply(req, out, false, true), true

	case hasKey(reqParams, "CHAP_A"):
		out := pdu.NewParams()
		out.Set("CHAP_A", "5")
		out.Set("CHAP_I", strconv.Itoa(int(chapID)))
		out.Set("CHAP_C", "0x"+hex.EncodeToString(challenge))
		return loginReply(req, out, false, true), true

	case hasKey(reqParams, "CHAP_R"):
		if name, _ := reqParams.Get("CHAP_N"); ft.chapName != "" && name != ft.chapName {
			return loginReject(req, 0x02, 0x01), false
		}
		responseValue, _ := reqParams.Get("CHAP_R")
		if responseValue != "0x"+hex.EncodeToString(chapDigest(chapID, ft.chapSecret, challenge)) {
			return loginReject(req, 0x02, 0x01), false
		}
		out := pdu.NewParams()
		if idValue, mutual := reqParams.Get("CHAP_I"); mutual {
			challengeValue, _ := reqParams.Get("CHAP_C")
			peerChallenge, _ := hex.DecodeString(challengeValue[2:])
			peerID, _ := strconv.Atoi(idValue)
			out.Set("CHAP_N", ft.targetChapName)
			out.Set("CHAP_R", "0x"+hex.EncodeToString(chapDigest(byte(peerID), ft.targetChapSecret, peerChallenge)))
		}
		if req.LoginTransit() {
			*inSecurity = false
		}
		return loginReply(req, out, req.LoginTransit(), true), true

	default:
		// Bare transit request out of the security stage.
		if req.LoginTransit() {
			*inSecurity = false
		}
		return loginReply(req, pdu.NewParams(), req.LoginTransit(), true), true
	}
}

func (ft *fakeTarget) operationalResponse(req *pdu.PDU) *pdu.PDU {
	out := pdu.NewParams()
	out.Set("TargetPortalGroupTag", "1")
	for k, v := range ft.operationalReplies {
		out.Set(k, v)
	}
	resp := loginReply(req, out, true, false)

	ft.mu.Lock()
	resp.SetTSIH(ft.nextTSIH)
	ft.nextTSIH++
	ft.loginCount++
	ft.mu.Unlock()
	return resp
}

func (ft *fakeTarget) handleText(req *pdu.PDU) *pdu.PDU {
	out := pdu.NewParams()
	reqParams, err := pdu.ParseParams(req.Data)
	if err == nil {
		if _, ok := reqParams.Get("SendTargets"); ok {
			for _, target := range ft.targets {
				out.Set("TargetName", target.IQN)
				for _, portal := range target.Portals {
					out.Set("TargetAddress", portal.Addr()+",1")
				}
			}
		}
	}
	resp := &pdu.PDU{}
	resp.SetOpcode(pdu.OpTextResp)
	resp.SetFinal()
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.Data = out.Encode()
	return resp
}

// loginReply builds a success login response mirroring the request's
// stage fields.
func loginReply(req *pdu.PDU, params *pdu.Params, transit, security bool) *pdu.PDU {
	resp := &pdu.PDU{}
	resp.SetOpcode(pdu.OpLoginResp)
	if security {
		resp.SetLoginStages(pdu.StageSecurityNeg, pdu.StageLoginOp)
	} else {
		resp.SetLoginStages(pdu.StageLoginOp, pdu.StageFullFeature)
	}
	resp.SetLoginTransit(transit)
	resp.SetISID(req.ISID())
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.SetLoginStatus(0, 0)
	resp.Data = params.Encode()
	return resp
}

func loginReject(req *pdu.PDU, class, detail uint8) *pdu.PDU {
	resp := &pdu.PDU{}
	resp.SetOpcode(pdu.OpLoginResp)
	resp.SetISID(req.ISID())
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
	resp.SetLoginStatus(class, detail)
	return resp
}

func hasKey(p *pdu.Params, key string) bool {
	_, ok := p.Get(key)
	return ok
}

func chapDigest(id byte, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}

// fakeConn is an in-memory PDU pipe between initiator and target.
type fakeConn struct {
	toInitiator   chan *pdu.PDU
	fromInitiator chan *pdu.PDU
	closed        chan struct{}
	once          sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toInitiator:   make(chan *pdu.PDU, 8),
		fromInitiator: make(chan *pdu.PDU, 8),
		closed:        make(chan struct{}),
	}
}

func (c *fakeConn) Send(p *pdu.PDU) error {
	select {
	case c.fromInitiator <- p:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Receive() (*pdu.PDU, error) {
	select {
	case p := <-c.toInitiator:
		return p, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) targetSend(p *pdu.PDU) error {
	select {
	case c.toInitiator <- p:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) targetReceive() (*pdu.PDU, error) {
	select {
	case p := <-c.fromInitiator:
		return p, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}
