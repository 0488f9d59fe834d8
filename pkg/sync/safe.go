package sync

import (
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

// SafeMirror invokes mirror.Mirror and swallows any error, logging it
// instead (§6.2: mirror failures never propagate to the dispatcher). A nil
// mirror is a no-op, since CloudMirror is an optional collaborator.
func SafeMirror(mirror CloudMirror, op *types.Operation, logger *zap.Logger) {
	if mirror == nil {
		return
	}
	if err := mirror.Mirror(op); err != nil {
		logger.Sugar().Warnw("cloud mirror failed", "op_id", op.ID, "error", err)
	}
}

// SafeEscalate invokes sink.OnEscalation and recovers from a panicking
// sink, since escalation is explicitly best-effort (§6.3).
func SafeEscalate(sink EscalationSink, op *types.Operation, reason string, logger *zap.Logger) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Sugar().Errorw("escalation sink panicked", "op_id", op.ID, "reason", reason, "recover", r)
		}
	}()
	sink.OnEscalation(op, reason)
}

// SafeLocalAlert invokes sink.OnLocalAlert and recovers from a panic.
func SafeLocalAlert(sink EscalationSink, mode types.SafetyMode, message string, record interface{}, logger *zap.Logger) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Sugar().Errorw("local alert sink panicked", "mode", mode, "recover", r)
		}
	}()
	sink.OnLocalAlert(mode, message, record)
}
