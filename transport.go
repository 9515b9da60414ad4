package iscsi

import (
	"context"

	"github.com/robrepp/iSCSIInitiator/pdu"
)

// Transport opens byte-stream connections to portals. The session core
// calls it, it never implements it; the transport package provides a
// TCP implementation and tests substitute in-memory fakes.
type Transport interface {
	// Open establishes a connection to the portal. Failures map to
	// ErrConnectionRefused or ErrTimeout where the cause is known.
	Open(ctx context.Context, portal Portal) (Conn, error)
}

// Conn is one open byte-stream connection exchanging whole PDUs.
// A Conn is exclusively owned by the Connection entity it was opened
// for and is never shared.
type Conn interface {
	// Send writes one PDU to the peer.
	Send(p *pdu.PDU) error
	// Receive blocks until the next PDU arrives from the peer.
	Receive() (*pdu.PDU, error)
	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// KernelInterface is the kernel-resident collaborator holding in-flight
// SCSI I/O. The session core only signals it around power transitions
// and connection activation; it never manages the kernel's queues.
// A nil KernelInterface on the Manager disables these signals.
type KernelInterface interface {
	// ActivateConnection hands a logged-in connection to the kernel
	// fast path.
	ActivateConnection(sid SessionID, cid ConnectionID) error
	// DeactivateConnection withdraws a connection from the fast path
	// ahead of logout.
	DeactivateConnection(sid SessionID, cid ConnectionID) error
	// QuiesceSession pauses kernel I/O on the session for sleep.
	QuiesceSession(sid SessionID) error
	// ResumeSession resumes kernel I/O after wake.
	ResumeSession(sid SessionID) error
}
