package common

// FailoverReason is the message used to indicate why a failover was started
type FailoverReason string

const (
	// ReasonHeartbeatTimeout represents the primary not being heard from in time
	ReasonHeartbeatTimeout FailoverReason = `heartbeat timeout`
	// ReasonGracefulShutdown represents the primary handing off before it exits
	ReasonGracefulShutdown FailoverReason = `graceful shutdown`
	// ReasonManual represents an operator triggered failover
	ReasonManual FailoverReason = `manual failover`
	// ReasonHealthCheck represents the primary failing its own health checks
	ReasonHealthCheck FailoverReason = `health check failed`
	// ReasonPreemption represents a recovered former primary reclaiming the role
	ReasonPreemption FailoverReason = `preemption`
	// ReasonNoPrimary represents a cluster found without any primary
	ReasonNoPrimary FailoverReason = `no primary`
	// ReasonBootstrap represents a node taking the primary role it was configured with
	ReasonBootstrap FailoverReason = `bootstrap`
	// ReasonResume represents the pointed at primary taking its role back after a restart
	ReasonResume FailoverReason = `resume`
)

func (f FailoverReason) String() string {
	return string(f)
}

// AbortMessage is the message recorded on a failover that did not elect anybody
type AbortMessage string

const (
	// AbortQuorum represents too few healthy nodes
	AbortQuorum AbortMessage = `quorum not met`
	// AbortNoCandidate represents no healthy secondary
	AbortNoCandidate AbortMessage = `no eligible candidate`
	// AbortPanic represents a recovered panic
	AbortPanic AbortMessage = `panic during failover`
)

func (a AbortMessage) String() string {
	return string(a)
}
