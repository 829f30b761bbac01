package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/mcp"
	"github.com/lanternlabs/lantern/internal/metrics"
	"github.com/lanternlabs/lantern/internal/ws"
)

// ToolCaller dispatches a tool call to its owning MCP server.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolResult, error)
}

// Executor runs workflow executions: topological step order, variable
// substitution, per-step error policy, external cancellation.
type Executor struct {
	store    *Store
	tools    ToolCaller
	notifier *Notifier

	broadcast func(ws.Envelope)

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates an executor wired to its stores and sinks.
func NewExecutor(store *Store, tools ToolCaller, notifier *Notifier, broadcast func(ws.Envelope)) *Executor {
	return &Executor{
		store:     store,
		tools:     tools,
		notifier:  notifier,
		broadcast: broadcast,
		running:   make(map[string]context.CancelFunc),
	}
}

// Execute runs one execution of the workflow to a terminal state and
// returns the final record. Steps run strictly sequentially; the record is
// saved after every status transition.
func (e *Executor) Execute(ctx context.Context, def *Definition, triggerInfo string) (*Execution, error) {
	exec := &Execution{
		ID:           uuid.NewString(),
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Status:       ExecPending,
		StartedAt:    time.Now().UTC(),
		TriggerInfo:  triggerInfo,
		StepResults:  make([]StepResult, len(def.Steps)),
	}
	for i, step := range def.Steps {
		exec.StepResults[i] = StepResult{StepID: step.ID, StepName: step.Name, Status: StepPending}
	}
	if err := e.store.SaveExecution(exec); err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	exec.Status = ExecRunning
	e.save(exec)
	e.broadcast(ws.Envelope{
		Type: ws.TypeExecutionStarted,
		Metadata: map[string]any{
			"executionId":  exec.ID,
			"workflowId":   def.ID,
			"workflowName": def.Name,
			"triggerInfo":  triggerInfo,
		},
	})
	e.notifier.Started(def, exec)
	logger.Info("workflow execution started", "workflow", def.Name, "execution", exec.ID, "trigger", triggerInfo)

	order, ok := topoSort(def.Steps)
	if !ok {
		return e.finish(def, exec, ExecFailed, "dependency cycle detected"), nil
	}

	// stepId → normalized tool output, for variable substitution.
	outputs := make(map[string]string)

	for _, idx := range order {
		if ctx.Err() != nil {
			return e.finish(def, exec, ExecCancelled, "cancelled"), nil
		}

		step := def.Steps[idx]
		result := &exec.StepResults[idx]
		now := time.Now().UTC()
		result.Status = StepRunning
		result.StartedAt = &now
		e.save(exec)
		e.stepUpdate(exec, result)

		args := resolveInputs(step.Inputs, outputs)
		output, callErr := e.callStep(ctx, step, args)

		if callErr != nil && ctx.Err() != nil {
			return e.finish(def, exec, ExecCancelled, "cancelled"), nil
		}

		done := time.Now().UTC()
		result.CompletedAt = &done

		if callErr == nil {
			result.Status = StepSuccess
			result.Output = output
			outputs[step.ID] = output
			e.save(exec)
			e.stepUpdate(exec, result)
			e.notifier.StepCompleted(def, exec, result)
			continue
		}

		switch step.OnError {
		case OnErrorSkip:
			result.Status = StepSkipped
			result.Error = callErr.Error()
			e.save(exec)
			e.stepUpdate(exec, result)
		default: // stop, and retry exhausted degrades to stop
			result.Status = StepError
			result.Error = callErr.Error()
			e.save(exec)
			e.stepUpdate(exec, result)
			return e.finish(def, exec, ExecFailed, callErr.Error()), nil
		}
	}

	return e.finish(def, exec, ExecCompleted, ""), nil
}

// Cancel aborts a running execution. Unknown ids are a no-op.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// callStep invokes the step's tool, honoring the retry policy: one extra
// attempt, then the failure stands.
func (e *Executor) callStep(ctx context.Context, step Step, args map[string]any) (string, error) {
	attempts := 1
	if step.OnError == OnErrorRetry {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			logger.Info("retrying step", "step", step.ID, "tool", step.ToolName)
		}
		result, err := e.tools.CallTool(ctx, step.ToolName, args)
		if err != nil {
			lastErr = err
			continue
		}
		if result.IsError {
			lastErr = fmt.Errorf("tool %s: %s", step.ToolName, result.Content)
			continue
		}
		return result.Content, nil
	}
	return "", lastErr
}

// finish moves the execution to a terminal state, stamps completedAt,
// saves, broadcasts, and notifies.
func (e *Executor) finish(def *Definition, exec *Execution, status ExecStatus, reason string) *Execution {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	e.save(exec)
	e.broadcast(ws.Envelope{
		Type: ws.TypeExecutionDone,
		Metadata: map[string]any{
			"executionId": exec.ID,
			"workflowId":  exec.WorkflowID,
			"status":      string(status),
		},
	})

	switch status {
	case ExecCompleted:
		e.notifier.Completed(def, exec)
	case ExecFailed:
		e.notifier.Failed(def, exec, reason)
	}
	metrics.RecordExecution(string(status))
	logger.Info("workflow execution finished", "execution", exec.ID, "status", status, "reason", reason)
	return exec
}

func (e *Executor) save(exec *Execution) {
	if err := e.store.SaveExecution(exec); err != nil {
		logger.Error("saving execution failed", "execution", exec.ID, "error", err)
	}
}

func (e *Executor) stepUpdate(exec *Execution, result *StepResult) {
	e.broadcast(ws.Envelope{
		Type: ws.TypeStepUpdate,
		Metadata: map[string]any{
			"executionId": exec.ID,
			"workflowId":  exec.WorkflowID,
			"stepId":      result.StepID,
			"stepName":    result.StepName,
			"status":      string(result.Status),
			"error":       result.Error,
		},
	})
}

// topoSort orders step indices with Kahn's algorithm. Ready steps are
// taken in definition order so the result is deterministic. ok is false
// when a cycle (or an unknown dependency) leaves steps unordered.
func topoSort(steps []Step) (order []int, ok bool) {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.ID] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, step := range steps {
		for _, dep := range step.DependsOn {
			j, known := index[dep]
			if !known {
				// Unknown dependency can never be satisfied.
				indegree[i]++
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		order = append(order, i)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	return order, len(order) == len(steps)
}

// resolveInputs materializes a step's input template against predecessor
// outputs. Unsatisfied variable references resolve to the empty string.
func resolveInputs(inputs map[string]InputValue, outputs map[string]string) map[string]any {
	args := make(map[string]any, len(inputs))
	for key, val := range inputs {
		switch val.Type {
		case InputVariable:
			args[key] = extractPath(outputs[val.StepID], val.Path)
		default:
			args[key] = val.Value
		}
	}
	return args
}

// extractPath walks a dot-separated path through a JSON document. An empty
// path returns the raw output; a missing path or non-JSON output yields "".
func extractPath(raw, path string) string {
	if path == "" {
		return raw
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[seg]
		if !ok {
			return ""
		}
	}

	switch v := cur.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
