// Package pdu encodes and decodes the iSCSI PDUs the session layer
// exchanges during login, logout, and text negotiation (RFC 3720,
// section 10). It is a pure codec: no session state, no I/O policy.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// BHSLength is the size of the Basic Header Segment, always 48 bytes.
const BHSLength = 48

// Initiator opcodes (RFC 3720, section 10.2.1.2).
const (
	OpNOPOut    uint8 = 0x00
	OpLoginReq  uint8 = 0x03
	OpTextReq   uint8 = 0x04
	OpLogoutReq uint8 = 0x06
)

// Target opcodes.
const (
	OpNOPIn      uint8 = 0x20
	OpLoginResp  uint8 = 0x23
	OpTextResp   uint8 = 0x24
	OpLogoutResp uint8 = 0x26
	OpAsyncMsg   uint8 = 0x32
	OpReject     uint8 = 0x3f
)

// BHS flag masks.
const (
	opcodeMask uint8 = 0x3f // lower 6 bits of byte 0
	FlagI      uint8 = 0x40 // immediate delivery (byte 0)
	FlagF      uint8 = 0x80 // final (byte 1)
	FlagC      uint8 = 0x40 // continue (byte 1, login/text)
	FlagT      uint8 = 0x80 // transit (byte 1, login)
)

// Login stages carried in the CSG/NSG fields of a login PDU.
const (
	StageSecurityNeg uint8 = 0
	StageLoginOp     uint8 = 1
	StageFullFeature uint8 = 3
)

// Logout reason codes (byte 1 of a logout request, low 7 bits).
const (
	LogoutCloseSession      uint8 = 0
	LogoutCloseConnection   uint8 = 1
	LogoutRemoveForRecovery uint8 = 2
)

// maxDataSegmentLength caps the data segment we will accept from the
// wire. Login/text negotiation payloads are tiny; 16MB-1 is the field
// maximum, we cap far below it.
const maxDataSegmentLength = 1 << 22

var (
	ErrTruncated  = errors.New("pdu: truncated")
	ErrTooLarge   = errors.New("pdu: data segment exceeds maximum length")
	ErrInvalidAHS = errors.New("pdu: AHS length not a multiple of 4")
)

// PDU is one iSCSI Protocol Data Unit: a 48-byte BHS plus optional
// AHS and data segment.
type PDU struct {
	BHS  [BHSLength]byte
	AHS  []byte
	Data []byte
}

// Opcode returns the opcode from the lower 6 bits of byte 0.
func (p *PDU) Opcode() uint8 { return p.BHS[0] & opcodeMask }

// SetOpcode sets the opcode, preserving the immediate bit.
func (p *PDU) SetOpcode(op uint8) {
	p.BHS[0] = (p.BHS[0] &^ opcodeMask) | (op & opcodeMask)
}

// Immediate reports whether the immediate delivery bit is set.
func (p *PDU) Immediate() bool { return p.BHS[0]&FlagI != 0 }

// SetImmediate sets the immediate delivery bit.
func (p *PDU) SetImmediate() { p.BHS[0] |= FlagI }

// Final reports whether the final bit (byte 1, bit 7) is set.
func (p *PDU) Final() bool { return p.BHS[1]&FlagF != 0 }

// SetFinal sets the final bit.
func (p *PDU) SetFinal() { p.BHS[1] |= FlagF }

// DataSegmentLength returns the 3-byte data segment length (bytes 5-7).
func (p *PDU) DataSegmentLength() uint32 {
	return uint32(p.BHS[5])<<16 | uint32(p.BHS[6])<<8 | uint32(p.BHS[7])
}

func (p *PDU) setDataSegmentLength(n uint32) {
	p.BHS[5] = byte(n >> 16)
	p.BHS[6] = byte(n >> 8)
	p.BHS[7] = byte(n)
}

// InitiatorTaskTag returns bytes 16-19.
func (p *PDU) InitiatorTaskTag() uint32 { return binary.BigEndian.Uint32(p.BHS[16:20]) }

// SetInitiatorTaskTag sets bytes 16-19.
func (p *PDU) SetInitiatorTaskTag(tag uint32) { binary.BigEndian.PutUint32(p.BHS[16:20], tag) }

// TargetTransferTag returns bytes 20-23 (text PDUs).
func (p *PDU) TargetTransferTag() uint32 { return binary.BigEndian.Uint32(p.BHS[20:24]) }

// SetTargetTransferTag sets bytes 20-23.
func (p *PDU) SetTargetTransferTag(tag uint32) { binary.BigEndian.PutUint32(p.BHS[20:24], tag) }

// CmdSN returns bytes 24-27 of a request PDU.
func (p *PDU) CmdSN() uint32 { return binary.BigEndian.Uint32(p.BHS[24:28]) }

// SetCmdSN sets bytes 24-27.
func (p *PDU) SetCmdSN(v uint32) { binary.BigEndian.PutUint32(p.BHS[24:28], v) }

// ExpStatSN returns bytes 28-31 of a request PDU.
func (p *PDU) ExpStatSN() uint32 { return binary.BigEndian.Uint32(p.BHS[28:32]) }

// SetExpStatSN sets bytes 28-31.
func (p *PDU) SetExpStatSN(v uint32) { binary.BigEndian.PutUint32(p.BHS[28:32], v) }

// StatSN returns bytes 24-27 of a target response PDU.
func (p *PDU) StatSN() uint32 { return binary.BigEndian.Uint32(p.BHS[24:28]) }

// SetStatSN sets bytes 24-27.
func (p *PDU) SetStatSN(v uint32) { binary.BigEndian.PutUint32(p.BHS[24:28], v) }

// ExpCmdSN returns bytes 28-31 of a target response PDU.
func (p *PDU) ExpCmdSN() uint32 { return binary.BigEndian.Uint32(p.BHS[28:32]) }

// SetExpCmdSN sets bytes 28-31.
func (p *PDU) SetExpCmdSN(v uint32) { binary.BigEndian.PutUint32(p.BHS[28:32], v) }

// MaxCmdSN returns bytes 32-35 of a target response PDU.
func (p *PDU) MaxCmdSN() uint32 { return binary.BigEndian.Uint32(p.BHS[32:36]) }

// SetMaxCmdSN sets bytes 32-35.
func (p *PDU) SetMaxCmdSN(v uint32) { binary.BigEndian.PutUint32(p.BHS[32:36], v) }

// ISID returns the 6-byte Initiator Session ID (bytes 8-13, login PDU).
func (p *PDU) ISID() [6]byte {
	var id [6]byte
	copy(id[:], p.BHS[8:14])
	return id
}

// SetISID sets the 6-byte ISID field.
func (p *PDU) SetISID(id [6]byte) { copy(p.BHS[8:14], id[:]) }

// TSIH returns the Target Session Identifying Handle (bytes 14-15,
// login PDU).
func (p *PDU) TSIH() uint16 { return binary.BigEndian.Uint16(p.BHS[14:16]) }

// SetTSIH sets the TSIH field.
func (p *PDU) SetTSIH(v uint16) { binary.BigEndian.PutUint16(p.BHS[14:16], v) }

// CID returns the connection ID (bytes 20-21 of a login or logout
// request).
func (p *PDU) CID() uint16 { return binary.BigEndian.Uint16(p.BHS[20:22]) }

// SetCID sets the connection ID field.
func (p *PDU) SetCID(v uint16) { binary.BigEndian.PutUint16(p.BHS[20:22], v) }

// Login-specific accessors. CSG and NSG are 2-bit fields in byte 1.

// LoginCSG returns the current stage of a login PDU.
func (p *PDU) LoginCSG() uint8 { return (p.BHS[1] >> 2) & 0x03 }

// LoginNSG returns the next stage of a login PDU.
func (p *PDU) LoginNSG() uint8 { return p.BHS[1] & 0x03 }

// SetLoginStages sets CSG and NSG, preserving the T and C flags.
func (p *PDU) SetLoginStages(csg, nsg uint8) {
	p.BHS[1] = (p.BHS[1] & 0xf0) | ((csg & 0x03) << 2) | (nsg & 0x03)
}

// LoginTransit reports whether the transit bit is set.
func (p *PDU) LoginTransit() bool { return p.BHS[1]&FlagT != 0 }

// SetLoginTransit sets or clears the transit bit.
func (p *PDU) SetLoginTransit(v bool) {
	if v {
		p.BHS[1] |= FlagT
	} else {
		p.BHS[1] &^= FlagT
	}
}

// Continue reports whether the continue bit is set: more text keys
// follow in a subsequent PDU of the same exchange.
func (p *PDU) Continue() bool { return p.BHS[1]&FlagC != 0 }

// LoginStatusClass returns byte 36 of a login response.
func (p *PDU) LoginStatusClass() uint8 { return p.BHS[36] }

// LoginStatusDetail returns byte 37 of a login response.
func (p *PDU) LoginStatusDetail() uint8 { return p.BHS[37] }

// SetLoginStatus sets the status class and detail of a login response.
func (p *PDU) SetLoginStatus(class, detail uint8) {
	p.BHS[36] = class
	p.BHS[37] = detail
}

// LogoutReason returns the reason code of a logout request.
func (p *PDU) LogoutReason() uint8 { return p.BHS[1] &^ FlagF }

// SetLogoutReason sets the reason code, with the final bit per RFC.
func (p *PDU) SetLogoutReason(reason uint8) { p.BHS[1] = FlagF | (reason & 0x7f) }

// LogoutResponse returns the response code (byte 2) of a logout
// response PDU.
func (p *PDU) LogoutResponse() uint8 { return p.BHS[2] }

// SetLogoutResponse sets byte 2 of a logout response.
func (p *PDU) SetLogoutResponse(v uint8) { p.BHS[2] = v }

func pad4(n uint32) uint32 { return (n + 3) &^ 3 }

// Read reads one complete PDU from r, stripping data segment padding.
func Read(r io.Reader) (*PDU, error) {
	p := &PDU{}
	if _, err := io.ReadFull(r, p.BHS[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	if ahsLen := uint32(p.BHS[4]) * 4; ahsLen > 0 {
		p.AHS = make([]byte, ahsLen)
		if _, err := io.ReadFull(r, p.AHS); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, ErrTruncated
			}
			return nil, err
		}
	}

	dsLen := p.DataSegmentLength()
	if dsLen > maxDataSegmentLength {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes", dsLen)
	}
	if dsLen > 0 {
		buf := make([]byte, pad4(dsLen))
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, ErrTruncated
			}
			return nil, err
		}
		p.Data = buf[:dsLen]
	}
	return p, nil
}

// Write writes p to w, refreshing the header length fields and padding
// the data segment to a 4-byte boundary.
func Write(w io.Writer, p *PDU) error {
	if len(p.AHS)%4 != 0 {
		return ErrInvalidAHS
	}
	p.BHS[4] = uint8(len(p.AHS) / 4)
	p.setDataSegmentLength(uint32(len(p.Data)))

	if _, err := w.Write(p.BHS[:]); err != nil {
		return err
	}
	if len(p.AHS) > 0 {
		if _, err := w.Write(p.AHS); err != nil {
			return err
		}
	}
	if len(p.Data) > 0 {
		if _, err := w.Write(p.Data); err != nil {
			return err
		}
		if padLen := pad4(uint32(len(p.Data))) - uint32(len(p.Data)); padLen > 0 {
			var pad [3]byte
			if _, err := w.Write(pad[:padLen]); err != nil {
				return err
			}
		}
	}
	return nil
}

// OpcodeName returns a human-readable opcode name for logging.
func OpcodeName(op uint8) string {
	switch op {
	case OpNOPOut:
		return "NOP-Out"
	case OpLoginReq:
		return "Login-Request"
	case OpTextReq:
		return "Text-Request"
	case OpLogoutReq:
		return "Logout-Request"
	case OpNOPIn:
		return "NOP-In"
	case OpLoginResp:
		return "Login-Response"
	case OpTextResp:
		return "Text-Response"
	case OpLogoutResp:
		return "Logout-Response"
	case OpAsyncMsg:
		return "Async-Message"
	case OpReject:
		return "Reject"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", op)
	}
}
