// Package threads orchestrates bounded, permissioned LLM threads.
//
// A thread runs a directive: an opening prompt plus the capabilities,
// limits and hooks it declares. The orchestrator resolves the thread's
// limits against its parent, attenuates its capabilities, reserves its
// budget and runs the model loop under a harness that checks limits,
// dispatches hooks and gates every tool call.
//
// # Quick Start
//
//	provider := llm.NewAnthropic()
//	orch := threads.NewOrchestrator(threads.DirectiveMap{
//	    "summarize": {
//	        ID:           "summarize",
//	        Body:         "Summarize ${inputs.path}",
//	        Capabilities: []string{"threads.execute.tool.fs.read"},
//	    },
//	}, threads.WithProvider(provider), threads.WithTools(threads.Tool{ItemID: "fs/read"}))
//	defer orch.Shutdown(ctx)
//
//	th, err := orch.Spawn(ctx, threads.SpawnRequest{
//	    Directive: "summarize",
//	    Inputs:    map[string]any{"path": "README.md"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, _ := th.Result()
//	fmt.Println(res.Status, res.Text)
//
// # Children
//
// Threads granted execute on threads/spawn and threads/wait can start and
// collect children. A child's limits never exceed its parent's, its depth is
// one less, its capabilities must be covered by the parent's, and its spend
// is reserved out of the parent's remaining budget.
//
// # Suspension and handoff
//
// A thread that reaches a limit with no hook resolving it is suspended with
// an escalation record. Resume raises its ceilings and restarts it. When a
// response fills the configured share of the model's context window the
// thread hands its trailing conversation to a continuation thread; Wait and
// Chain follow continuation links.
//
// # Items on disk
//
// The items package serves signed directive, tool and knowledge files from
// project, user and system directories. items.Directives is a
// DirectiveSource, and items.Store is the chain.ItemStore that tool calls
// resolve through.
package threads
