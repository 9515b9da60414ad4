package registry

// ConnState tracks a connection through the login/logout state machine.
type ConnState int

const (
	// StateFree is the initial state: the CID is allocated but the
	// transport is not yet negotiating.
	StateFree ConnState = iota
	// StateSecurityNegotiation covers the authentication stage.
	StateSecurityNegotiation
	// StateOperationalNegotiation covers the operational key exchange.
	StateOperationalNegotiation
	// StateFullFeature is the active, logged-in state.
	StateFullFeature
	// StateLoggingOut covers the logout exchange; the next state is
	// always release of the CID.
	StateLoggingOut
)

func (s ConnState) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateSecurityNegotiation:
		return "SecurityNegotiation"
	case StateOperationalNegotiation:
		return "OperationalNegotiation"
	case StateFullFeature:
		return "FullFeaturePhase"
	case StateLoggingOut:
		return "LoggingOut"
	}
	return "Unknown"
}
