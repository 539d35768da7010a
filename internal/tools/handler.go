package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/auralis-io/auralis/internal/providers"
)

// CallOutcome pairs one tool call with its result, in the call's original
// position.
type CallOutcome struct {
	Call   providers.ToolCall
	Result Result
}

// Handler is the lifecycle wrapper the LLM loop talks to. It routes
// function-call requests into the manager and merges multi-call results.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler wraps a manager.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// Manager exposes the underlying manager for backend registration.
func (h *Handler) Manager() *Manager { return h.manager }

// FunctionDescriptions returns the merged function list for LLM requests.
func (h *Handler) FunctionDescriptions() []providers.FunctionDefinition {
	return h.manager.FunctionDescriptions()
}

// RefreshTools invalidates the manager's merged index.
func (h *Handler) RefreshTools() {
	h.manager.RefreshTools()
}

// ExecuteCalls runs all requested tool calls concurrently and returns the
// per-call outcomes in request order plus the merged result. Merging: the
// first error in request order wins outright; otherwise successful payloads
// are joined with "; " and the merged action asks for another LLM round if
// any individual call did.
func (h *Handler) ExecuteCalls(ctx context.Context, calls []providers.ToolCall) ([]CallOutcome, Result) {
	outcomes := make([]CallOutcome, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			outcomes[i] = CallOutcome{
				Call:   call,
				Result: h.executeOne(ctx, call),
			}
		}(i, call)
	}
	wg.Wait()

	return outcomes, mergeResults(outcomes)
}

func (h *Handler) executeOne(ctx context.Context, call providers.ToolCall) Result {
	name := call.Function.Name

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			h.logger.Warn("tools: malformed arguments",
				"tool", name, "arguments", raw, "error", err)
			return Result{
				Action:   ActionError,
				Response: "I couldn't understand the parameters for " + name + ".",
			}
		}
	}

	h.logger.Info("tools: executing", "tool", name)
	return h.manager.ExecuteTool(ctx, name, args)
}

func mergeResults(outcomes []CallOutcome) Result {
	if len(outcomes) == 0 {
		return Result{Action: ActionNone}
	}
	if len(outcomes) == 1 {
		return outcomes[0].Result
	}

	for _, o := range outcomes {
		if o.Result.IsError() {
			return o.Result
		}
	}

	var results, responses []string
	needsLLM := false
	for _, o := range outcomes {
		if o.Result.NeedsLLM() {
			needsLLM = true
		}
		if o.Result.Result != "" {
			results = append(results, o.Result.Result)
		}
		if o.Result.Response != "" {
			responses = append(responses, o.Result.Response)
		}
	}

	merged := Result{
		Action:   ActionResponse,
		Result:   strings.Join(results, "; "),
		Response: strings.Join(responses, "; "),
	}
	if needsLLM {
		merged.Action = ActionRequestLLM
	}
	return merged
}
