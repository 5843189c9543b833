package action

import "context"

// ControlID is the infrastructure item hooks execute to steer a thread.
const ControlID = "threads/internal/control"

// Control verbs accepted in the "action" param of a control call.
const (
	ControlRetry    = "retry"
	ControlFail     = "fail"
	ControlAbort    = "abort"
	ControlContinue = "continue"
	ControlEscalate = "escalate"
	ControlSuspend  = "suspend"
	ControlSkip     = "skip"
)

// ControlExecutor turns a control call into a control document. Continue and
// skip produce no data, which callers treat as no decision.
type ControlExecutor struct{}

// Execute implements Executor.
func (ControlExecutor) Execute(_ context.Context, a Execute) (*Result, error) {
	p := a.Params
	verb := str(p["action"])
	if verb == "" {
		verb = ControlContinue
	}
	switch verb {
	case ControlContinue, ControlSkip:
		return Success(nil), nil
	case ControlRetry:
		return Success(map[string]any{"action": ControlRetry}), nil
	case ControlFail:
		return Success(map[string]any{
			"action":  ControlFail,
			"success": false,
			"error":   orDefault(str(p["error"]), "Hook triggered failure"),
		}), nil
	case ControlAbort:
		return Success(map[string]any{
			"action":  ControlAbort,
			"success": false,
			"aborted": true,
			"error":   orDefault(str(p["error"]), "Aborted by hook"),
		}), nil
	case ControlSuspend:
		return Success(map[string]any{
			"action":    ControlSuspend,
			"success":   false,
			"suspended": true,
			"error":     orDefault(str(p["suspend_reason"]), "Suspended by hook"),
		}), nil
	case ControlEscalate:
		return Success(map[string]any{
			"action":    ControlEscalate,
			"success":   false,
			"suspended": true,
			"escalated": true,
			"error":     "Escalation requested",
			"escalation": map[string]any{
				"limit_type":    p["limit_type"],
				"current_value": p["current_value"],
			},
		}), nil
	}
	return Failure("unknown control action %q", verb), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
