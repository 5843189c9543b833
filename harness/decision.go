package harness

import "github.com/everydev1618/threads/condition"

// Decision is the outcome of control dispatch. Every dispatch produces one;
// when no hook decides, the result is Continue.
type Decision interface {
	Kind() string
	decision()
}

type (
	// Continue proceeds normally.
	Continue struct{}
	// Retry repeats the failed step after the classified delay.
	Retry struct{}
	// Fail ends the thread with an error.
	Fail struct{ Reason string }
	// Abort ends the thread immediately.
	Abort struct{ Reason string }
	// Suspend parks the thread until it is resumed.
	Suspend struct{ Reason string }
	// Escalate parks the thread and records why a human or parent must decide.
	Escalate struct {
		Reason string
		Info   map[string]any
	}
)

func (Continue) Kind() string { return "continue" }
func (Retry) Kind() string    { return "retry" }
func (Fail) Kind() string     { return "fail" }
func (Abort) Kind() string    { return "abort" }
func (Suspend) Kind() string  { return "suspend" }
func (Escalate) Kind() string { return "escalate" }

func (Continue) decision() {}
func (Retry) decision()    {}
func (Fail) decision()     {}
func (Abort) decision()    {}
func (Suspend) decision()  {}
func (Escalate) decision() {}

// decisionFrom reads a control document. It reports false for documents that
// carry no control meaning, including continue and skip.
func decisionFrom(data map[string]any) (Decision, bool) {
	if len(data) == 0 {
		return nil, false
	}
	if ok, _ := data["success"].(bool); ok && len(data) == 1 {
		return nil, false
	}
	reason := condition.Stringify(data["error"])
	switch {
	case data["action"] == "retry":
		return Retry{}, true
	case data["escalated"] == true:
		info, _ := data["escalation"].(map[string]any)
		return Escalate{Reason: reason, Info: info}, true
	case data["suspended"] == true:
		return Suspend{Reason: reason}, true
	case data["aborted"] == true:
		return Abort{Reason: reason}, true
	case data["success"] == false:
		return Fail{Reason: reason}, true
	}
	return nil, false
}
