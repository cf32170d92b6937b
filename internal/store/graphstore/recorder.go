package graphstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
)

// stepNamespace derives stable node ids so repeated transitions of
// the same step update one node instead of accumulating duplicates.
var stepNamespace = uuid.MustParse("9a1e9c52-7c80-4a7b-9c2d-2f8f4cd2a9b1")

// StepRecorder mirrors workflow step transitions into the graph
// store: one FlowStep node per (workflow, step), carrying the latest
// state. It plugs into the workflow manager as an event sink.
type StepRecorder struct {
	store  *Store
	logger logger.Logger
}

// NewStepRecorder creates a recorder over the given store.
func NewStepRecorder(store *Store, log logger.Logger) *StepRecorder {
	return &StepRecorder{store: store, logger: log}
}

// StepTransition implements flow.EventSink. Upserts run off the poll
// goroutine so a slow graph backend cannot stall polling.
func (r *StepRecorder) StepTransition(workflowID uuid.UUID, stepName string, state flow.State, reason string) {
	props := map[string]interface{}{
		"workflow_id": workflowID.String(),
		"name":        stepName,
		"state":       string(state),
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		props["failure_reason"] = reason
	}
	nodeID := stepNodeID(workflowID, stepName)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.store.UpsertNode(ctx, "FlowStep", nodeID, props); err != nil {
			r.logger.Warn("graphstore: failed to record step transition",
				"workflow_id", workflowID, "step", stepName, "error", err)
		}
	}()
}

// stepNodeID is deterministic per (workflow, step).
func stepNodeID(workflowID uuid.UUID, stepName string) uuid.UUID {
	return uuid.NewSHA1(stepNamespace, append(workflowID[:], stepName...))
}
