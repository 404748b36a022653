package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/documentintake/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// executionGetter is the part of the Executions client used here.
type executionGetter interface {
	GetExecution(ctx context.Context, req *executionspb.GetExecutionRequest) (*executionspb.Execution, error)
}

type executionsAPI struct{ c *executions.Client }

func (a executionsAPI) GetExecution(ctx context.Context, req *executionspb.GetExecutionRequest) (*executionspb.Execution, error) {
	return a.c.GetExecution(ctx, req)
}

// WorkflowExecutions answers execution status queries against Cloud
// Workflows. Correlation ids are full execution resource names.
type WorkflowExecutions struct {
	api executionGetter
}

// NewWorkflowExecutions creates the Executions API client.
func NewWorkflowExecutions(ctx context.Context) (*WorkflowExecutions, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowExecutions{api: executionsAPI{c: client}}, nil
}

// ExecutionStatus maps the execution named by correlationID onto the
// pipeline's execution states. A timed-out query counts as still running.
func (w *WorkflowExecutions) ExecutionStatus(ctx context.Context, correlationID string) (models.ExecutionStatus, error) {
	exec, err := w.api.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: correlationID})
	if err != nil {
		switch {
		case status.Code(err) == codes.NotFound:
			return models.ExecutionStatus{State: models.ExecutionNotFound}, nil
		case status.Code(err) == codes.DeadlineExceeded, errors.Is(err, context.DeadlineExceeded):
			return models.ExecutionStatus{State: models.ExecutionRunning}, nil
		}
		return models.ExecutionStatus{}, fmt.Errorf("failed to get execution %s: %w", correlationID, err)
	}
	return executionStatusOf(exec), nil
}

func executionStatusOf(exec *executionspb.Execution) models.ExecutionStatus {
	switch exec.GetState() {
	case executionspb.Execution_SUCCEEDED:
		return models.ExecutionStatus{State: models.ExecutionCompleted, Result: exec.GetResult()}
	case executionspb.Execution_FAILED, executionspb.Execution_CANCELLED, executionspb.Execution_UNAVAILABLE:
		st := models.ExecutionStatus{State: models.ExecutionFailed, Error: exec.GetError().GetPayload()}
		if st.Error == "" {
			st.Error = fmt.Sprintf("execution ended in state %s", exec.GetState())
		}
		st.StackTrace = formatStackTrace(exec.GetError().GetStackTrace())
		return st
	default:
		return models.ExecutionStatus{State: models.ExecutionRunning}
	}
}

func formatStackTrace(st *executionspb.Execution_StackTrace) string {
	var lines []string
	for _, el := range st.GetElements() {
		lines = append(lines, fmt.Sprintf("%s/%s:%d", el.GetRoutine(), el.GetStep(), el.GetPosition().GetLine()))
	}
	return strings.Join(lines, "\n")
}
