package sync

import (
	"testing"

	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestDefaultKindForClassification(t *testing.T) {
	cases := map[Classification]ResultKind{
		ClassRateLimited: ResultTransientFailure,
		ClassServer:      ResultTransientFailure,
		ClassValidation:  ResultPermanentFailure,
		ClassNotFound:    ResultPermanentFailure,
		ClassConflict:    ResultPermanentFailure,
		ClassAuth:        ResultPermanentFailure,
	}
	for class, expected := range cases {
		require.Equal(t, expected, DefaultKindForClassification(class), "classification %s", class)
	}
}

type recordingSink struct {
	escalated bool
	alerted   bool
}

func (r *recordingSink) OnEscalation(op *types.Operation, reason string) { r.escalated = true }
func (r *recordingSink) OnLocalAlert(mode types.SafetyMode, message string, record interface{}) {
	r.alerted = true
}

func TestSafeMirrorNilIsNoOp(t *testing.T) {
	SafeMirror(nil, &types.Operation{ID: "op-1"}, logging.NewNop())
}

func TestSafeEscalateInvokesSink(t *testing.T) {
	sink := &recordingSink{}
	SafeEscalate(sink, &types.Operation{ID: "op-1"}, "stuck", logging.NewNop())
	require.True(t, sink.escalated)
}

func TestSafeLocalAlertInvokesSink(t *testing.T) {
	sink := &recordingSink{}
	SafeLocalAlert(sink, types.ModeEmergency, "network down", nil, logging.NewNop())
	require.True(t, sink.alerted)
}
