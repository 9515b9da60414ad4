// Package auth drives the authentication key exchange of the iSCSI
// security negotiation stage. It is polymorphic over the method tag in
// the caller-supplied Auth value: None completes immediately, CHAP runs
// the RFC 1994 challenge/response (optionally mutual). The negotiator
// never retries; any failure aborts the enclosing login attempt.
package auth

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	iscsi "github.com/robrepp/iSCSIInitiator"
	"github.com/robrepp/iSCSIInitiator/pdu"
)

// Text keys used during the security stage.
const (
	KeyAuthMethod = "AuthMethod"

	keyCHAPAlgorithm = "CHAP_A"
	keyCHAPID        = "CHAP_I"
	keyCHAPChallenge = "CHAP_C"
	keyCHAPName      = "CHAP_N"
	keyCHAPResponse  = "CHAP_R"
)

// Negotiator holds the state of one authentication exchange. It is
// created per login attempt and discarded with it; the credentials it
// borrows are never persisted.
type Negotiator struct {
	auth   iscsi.Auth
	method iscsi.AuthMethod

	// mutual challenge we issued, kept only to verify the target's
	// answer.
	ourChallengeID byte
	ourChallenge   []byte
}

// New validates the caller-supplied auth parameters and returns a
// negotiator for one login attempt.
func New(a iscsi.Auth) (*Negotiator, error) {
	if len(a.Methods) == 0 {
		a.Methods = []iscsi.AuthMethod{iscsi.AuthMethodNone}
	}
	for _, m := range a.Methods {
		switch m {
		case iscsi.AuthMethodNone:
		case iscsi.AuthMethodCHAP:
			if a.CHAP == nil || a.CHAP.Name == "" || a.CHAP.Secret == "" {
				return nil, errors.Wrap(iscsi.ErrUnsupportedMethod, "CHAP offered without credentials")
			}
			if a.CHAP.Mutual && a.CHAP.TargetSecret == "" {
				return nil, errors.Wrap(iscsi.ErrUnsupportedMethod, "mutual CHAP requires a target secret")
			}
		default:
			return nil, errors.Wrapf(iscsi.ErrUnsupportedMethod, "method %d", m)
		}
	}
	return &Negotiator{auth: a}, nil
}

// Offer returns the AuthMethod value advertising the caller's ordered
// preference list, e.g. "CHAP,None".
func (n *Negotiator) Offer() string {
	names := make([]string, len(n.auth.Methods))
	for i, m := range n.auth.Methods {
		names[i] = m.String()
	}
	return strings.Join(names, ",")
}

// NoneOnly reports whether the caller offers nothing but None, letting
// the login machine transit out of the security stage on the first PDU.
func (n *Negotiator) NoneOnly() bool {
	for _, m := range n.auth.Methods {
		if m != iscsi.AuthMethodNone {
			return false
		}
	}
	return true
}

// ChooseMethod records the method the target selected from our offer.
// A method we did not offer fails with ErrUnsupportedMethod.
func (n *Negotiator) ChooseMethod(value string) (iscsi.AuthMethod, error) {
	for _, m := range n.auth.Methods {
		if m.String() == value {
			n.method = m
			return m, nil
		}
	}
	return 0, errors.Wrapf(iscsi.ErrUnsupportedMethod, "target selected %q, offered %q", value, n.Offer())
}

// AlgorithmParams returns the CHAP algorithm proposal sent once the
// target has selected CHAP.
func (n *Negotiator) AlgorithmParams() *pdu.Params {
	out := pdu.NewParams()
	out.Set(keyCHAPAlgorithm, chapAlgorithmMD5)
	return out
}

// RespondToChallenge consumes the target's CHAP_A/CHAP_I/CHAP_C reply
// and produces the CHAP_N/CHAP_R answer, adding our own challenge when
// mutual authentication is configured.
func (n *Negotiator) RespondToChallenge(reply *pdu.Params) (*pdu.Params, error) {
	if n.method != iscsi.AuthMethodCHAP {
		return nil, errors.Wrap(iscsi.ErrProtocol, "CHAP challenge outside a CHAP exchange")
	}
	algo, ok := reply.Get(keyCHAPAlgorithm)
	if !ok || algo != chapAlgorithmMD5 {
		return nil, errors.Wrapf(iscsi.ErrUnsupportedMethod, "target CHAP algorithm %q", algo)
	}
	idValue, ok := reply.Get(keyCHAPID)
	if !ok {
		return nil, errors.Wrap(iscsi.ErrProtocol, "missing CHAP_I")
	}
	id, err := parseChapID(idValue)
	if err != nil {
		return nil, err
	}
	challengeValue, ok := reply.Get(keyCHAPChallenge)
	if !ok {
		return nil, errors.Wrap(iscsi.ErrProtocol, "missing CHAP_C")
	}
	challenge, err := decodeBinary(challengeValue)
	if err != nil {
		return nil, errors.Wrap(iscsi.ErrProtocol, err.Error())
	}

	chap := n.auth.CHAP
	out := pdu.NewParams()
	out.Set(keyCHAPName, chap.Name)
	out.Set(keyCHAPResponse, encodeBinary(chapResponse(id, chap.Secret, challenge)))
	if chap.Mutual {
		n.ourChallengeID = newChallengeID()
		n.ourChallenge = newChallenge()
		out.Set(keyCHAPID, formatChapID(n.ourChallengeID))
		out.Set(keyCHAPChallenge, encodeBinary(n.ourChallenge))
	}
	return out, nil
}

// VerifyTarget validates the target's answer to our mutual challenge.
// It is a no-op unless mutual CHAP was configured.
func (n *Negotiator) VerifyTarget(final *pdu.Params) error {
	if n.method != iscsi.AuthMethodCHAP || n.auth.CHAP == nil || !n.auth.CHAP.Mutual {
		return nil
	}
	chap := n.auth.CHAP
	name, ok := final.Get(keyCHAPName)
	if !ok {
		return errors.Wrap(iscsi.ErrAuthenticationRejected, "target sent no CHAP_N to our challenge")
	}
	if chap.TargetName != "" && name != chap.TargetName {
		return errors.Wrapf(iscsi.ErrAuthenticationRejected, "target CHAP name %q", name)
	}
	responseValue, ok := final.Get(keyCHAPResponse)
	if !ok {
		return errors.Wrap(iscsi.ErrAuthenticationRejected, "target sent no CHAP_R to our challenge")
	}
	response, err := decodeBinary(responseValue)
	if err != nil {
		return errors.Wrap(iscsi.ErrAuthenticationRejected, err.Error())
	}
	if !verifyResponse(n.ourChallengeID, chap.TargetSecret, n.ourChallenge, response) {
		return errors.Wrap(iscsi.ErrAuthenticationRejected, "target CHAP response does not verify")
	}
	return nil
}

func parseChapID(v string) (byte, error) {
	id, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(iscsi.ErrProtocol, "invalid CHAP_I %q", v)
	}
	return byte(id), nil
}

func formatChapID(id byte) string {
	return strconv.Itoa(int(id))
}
