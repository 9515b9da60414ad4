// Package integrationtests exercises the public API end to end: a real
// TCP transport against an in-process target listening on loopback.
package integrationtests

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// loopbackTarget is a minimal iSCSI target good enough for login,
// SendTargets discovery, and logout, listening on an ephemeral loopback
// port. It negotiates None auth only.
type loopbackTarget struct {
	listener net.Listener
	targets  []iscsi.Target
}

func startLoopbackTarget(t *testing.T, targets []iscsi.Target) *loopbackTarget {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	target := &loopbackTarget{listener: listener, targets: targets}
	go target.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return target
}

func (lt *loopbackTarget) portal() iscsi.Portal {
	addr := lt.listener.Addr().(*net.TCPAddr)
	return iscsi.Portal{Address: "127.0.0.1", Port: uint16(addr.Port)}
}

func (lt *loopbackTarget) acceptLoop() {
	for {
		conn, err := lt.listener.Accept()
		if err != nil {
			return
		}
		go lt.serve(conn)
	}
}

func (lt *loopbackTarget) serve(conn net.Conn) {
	defer conn.Close()
	inSecurity := true

	for {
		req, err := pdu.Read(conn)
		if err != nil {
			return
		}

		var resp *pdu.PDU
		switch req.Opcode() {
		case pdu.OpLoginReq:
			resp = lt.handleLogin(req, &inSecurity)
		case pdu.OpTextReq:
			resp = lt.handleText(req)
		case pdu.OpLogoutReq:
			resp = &pdu.PDU{}
			resp.SetOpcode(pdu.OpLogoutResp)
			resp.SetLogoutResponse(0)
			resp.SetInitiatorTaskTag(req.InitiatorTaskTag())
		default:
			resp = &pdu.PDU{}
			resp.SetOpcode(pdu.OpReject)
		}
		if err := pdu.Write(conn, resp); err != nil {
			return
		}
	}
}

func (lt *loopbackTarget) handleLogin(req *pdu.PDU, inSecurity *bool) *pdu.PDU {
	resp := &pdu.PDU{}
	resp.SetOpcode(pdu.OpLoginResp)
	resp.SetISID(req.ISID())
	resp.SetInitiatorTaskTag(req.InitiatorTaskTag())

	if *inSecurity {
		resp.SetLoginStages(pdu.StageSecurityNeg, pdu.StageLoginOp)
		resp.SetLoginTransit(req.LoginTransit())
		if req.LoginTransit() {
			*inSecurity = false
		}
		out := pdu.NewParams()
		out.Set("AuthMethod", "None")
		resp.Data = out.Encode()
		return resp
	}

	resp.SetLoginStages(pdu.StageLoginOp, pdu.StageFullFeature)
	resp.SetLoginTransit(true)
	resp.SetTSIH(1)
	out := pdu.NewParams()
	out.Set("TargetPortalGroupTag", "1")
	resp.Data = out.Encode()
	return resp
}

func (lt *loopbackTarget) handleText(req *pdu.PDU) *pdu.PDU {
	out := pdu.NewParams()
	if reqParams, err := pdu.ParseParams(req.Data); err == nil {
		if _, ok := reqParams.Get("SendTargets"); ok {
			for _, target := range lt.targets {
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
