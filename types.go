package iscsi

// This file contains the public types and constants needed to call this
// module's API. Identifier widths follow RFC 3720: the CID is a 16-bit
// connection handle, and the SID matches the 16-bit session qualifier
// the initiator embeds in the ISID.

import (
	"fmt"
	"strconv"
)

// DefaultPort is the IANA-assigned iSCSI target port.
const DefaultPort uint16 = 3260

// SessionID identifies one iSCSI session. It is an opaque handle
// allocated at login and is only meaningful to the registry that issued
// it; all lookups through a stale handle fail with ErrNotFound.
type SessionID uint16

// ConnectionID identifies one TCP leg of a session (an MC/S leg).
// It is unique within the scope of its owning SessionID.
type ConnectionID uint16

// Portal is a network address to attempt a connection against.
type Portal struct {
	// IP address or DNS name.
	Address string
	// Port number - if left zero, defaults to DefaultPort.
	Port uint16
	// Optional host interface to bind the outgoing connection to.
	Interface string
}

// Addr returns the host:port form of the portal.
func (p Portal) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", p.Address, port)
}

// Equal reports whether two portals name the same endpoint. The bound
// interface is part of the identity: the same address reached over two
// interfaces is two distinct portals.
func (p Portal) Equal(other Portal) bool {
	return p.Addr() == other.Addr() && p.Interface == other.Interface
}

// Target is the identity of a remote endpoint: its IQN, an optional
// alias, and candidate portals to reach it.
type Target struct {
	IQN     string
	Alias   string
	Portals []Portal
}

// AuthMethod enumerates the authentication methods the negotiator can
// offer during the security stage.
type AuthMethod uint32

const (
	AuthMethodNone AuthMethod = iota
	AuthMethodCHAP
)

func (m AuthMethod) String() string {
	switch m {
	case AuthMethodNone:
		return "None"
	case AuthMethodCHAP:
		return "CHAP"
	}
	return "Unknown(" + strconv.Itoa(int(m)) + ")"
}

// CHAPAuth holds the CHAP credentials for one login attempt.
// TargetSecret is only consulted when Mutual is set, in which case the
// initiator challenges the target back and verifies its response.
type CHAPAuth struct {
	Name         string
	Secret       string
	Mutual       bool
	TargetName   string
	TargetSecret string
}

// Auth is the tagged variant over authentication parameters supplied by
// the caller. Methods is the ordered preference list offered to the
// target; CHAP must be non-nil whenever AuthMethodCHAP is offered.
// An Auth value is consumed by one login attempt and never retained.
type Auth struct {
	Methods []AuthMethod
	CHAP    *CHAPAuth
}

// AuthNone returns auth parameters offering only the None method.
func AuthNone() Auth {
	return Auth{Methods: []AuthMethod{AuthMethodNone}}
}

// AuthCHAP returns auth parameters offering CHAP with the given
// credentials, falling back to None if the target allows it.
func AuthCHAP(chap *CHAPAuth) Auth {
	return Auth{Methods: []AuthMethod{AuthMethodCHAP, AuthMethodNone}, CHAP: chap}
}

// DigestType selects the digest negotiated for a connection.
type DigestType uint32

const (
	DigestTypeNone DigestType = iota
	DigestTypeCRC32C
)

func (d DigestType) String() string {
	if d == DigestTypeCRC32C {
		return "CRC32C"
	}
	return "None"
}

// SessionConfig carries the caller-preferred and negotiated
// session-wide operational parameters. A zero value is usable; zero
// fields fall back to the RFC 3720 defaults at negotiation time.
type SessionConfig struct {
	// TargetPortalGroupTag is populated from the target's answer on the
	// leading connection.
	TargetPortalGroupTag uint16
	// MaxConnections caps the MC/S legs of the session. Zero means 1.
	MaxConnections   uint32
	MaxBurstLength   uint32
	FirstBurstLength uint32
	InitialR2T       bool
	ImmediateData    bool
	// ErrorRecoveryLevel per RFC 3720, section 6.
	ErrorRecoveryLevel uint8
	DefaultTime2Wait   uint32
	DefaultTime2Retain uint32
}

// ConnectionConfig carries per-connection operational parameters.
type ConnectionConfig struct {
	HeaderDigest DigestType
	DataDigest   DigestType
	// MaxRecvDataSegmentLength we declare to the target. Zero means the
	// RFC default of 8192.
	MaxRecvDataSegmentLength uint32
}

// DiscoveryRecord is the transient result of a SendTargets query:
// each discovered target with the portals it is reachable through.
// It has no persistent identity and is never entered into the registry.
type DiscoveryRecord struct {
	Targets []Target
}

// LogoutReason selects the semantics of a logout request.
type LogoutReason uint8

const (
	LogoutReasonCloseSession LogoutReason = iota
	LogoutReasonCloseConnection
	LogoutReasonRemoveForRecovery
)

func (r LogoutReason) String() string {
	switch r {
	case LogoutReasonCloseSession:
		return "CloseSession"
	case LogoutReasonCloseConnection:
		return "CloseConnection"
	case LogoutReasonRemoveForRecovery:
		return "RemoveConnectionForRecovery"
	}
	return "Unknown(" + strconv.Itoa(int(r)) + ")"
}
