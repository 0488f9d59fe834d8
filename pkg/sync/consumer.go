// Package sync defines the external collaborator contracts PendingQueue
// and EmergencyQueue dispatch through (§6): the domain consumer that
// actually delivers an operation, the optional cloud mirror, and the
// escalation sink SafetyFallback raises through.
package sync

import "github.com/guardian-angel/synccore/pkg/types"

// ResultKind is the outcome PendingQueue classifies a Consumer call into.
type ResultKind string

const (
	ResultSuccess          ResultKind = "success"
	ResultTransientFailure ResultKind = "transient_failure"
	ResultPermanentFailure ResultKind = "permanent_failure"
	ResultAckPending       ResultKind = "ack_pending"
)

// Classification narrows a permanent_failure (or the default routing of a
// transient one) to a specific cause (§6.1).
type Classification string

const (
	ClassAuth        Classification = "auth"
	ClassValidation  Classification = "validation"
	ClassNotFound    Classification = "not_found"
	ClassConflict    Classification = "conflict"
	ClassRateLimited Classification = "rate_limited"
	ClassServer      Classification = "server"
	ClassClient      Classification = "client"
	ClassUnknown     Classification = "unknown"
)

// DefaultKindForClassification maps a classification to the result kind it
// implies when a Consumer reports only the classification: rate_limited
// and server default to transient, validation/not_found/conflict default
// to permanent.
func DefaultKindForClassification(c Classification) ResultKind {
	switch c {
	case ClassRateLimited, ClassServer:
		return ResultTransientFailure
	case ClassValidation, ClassNotFound, ClassConflict:
		return ResultPermanentFailure
	default:
		return ResultPermanentFailure
	}
}

// Result is what a Consumer reports back for one operation.
type Result struct {
	Kind           ResultKind
	Message        string
	Classification Classification
}

// Consumer is the injected domain handler that actually delivers an
// operation (§6.1). OnQueueStart/OnQueueEnd are invoked exactly once per
// Process call by the dispatcher, even when Process itself errors out.
type Consumer interface {
	OnQueueStart()
	Process(op *types.Operation) Result
	OnQueueEnd()
}

// CloudMirror is a fire-and-forget, optional collaborator (§6.2). Its
// failures never propagate to the dispatcher - callers log and continue.
type CloudMirror interface {
	Mirror(op *types.Operation) error
	MirrorBatch(ops []*types.Operation) error
}

// EscalationSink receives best-effort notifications from SafetyFallback
// and EmergencyQueue (§6.3).
type EscalationSink interface {
	OnEscalation(op *types.Operation, reason string)
	OnLocalAlert(mode types.SafetyMode, message string, record interface{})
}
