package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/everydev1618/threads"
	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/harness"
	"github.com/everydev1618/threads/items"
	"github.com/everydev1618/threads/llm"
	"github.com/everydev1618/threads/primitive"
)

var (
	runInputs     []string
	runInputsFile string
	runSpend      string
	runTurns      int
	runTimeout    time.Duration
	runJSON       bool
	runUnsigned   bool
)

var runCmd = &cobra.Command{
	Use:   "run <directive>",
	Short: "Run a directive as a root thread",
	Long: `Run a directive as a root thread and print its result.

Examples:
  threads run research/summarize --input path=README.md
  threads run review --inputs-file inputs.json --spend 0.50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs, err := parseInputs(runInputs, runInputsFile)
		if err != nil {
			return err
		}
		limits := harness.Limits{Turns: runTurns}
		if runSpend != "" {
			if limits.Spend, err = decimal.NewFromString(runSpend); err != nil {
				return fmt.Errorf("--spend: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		return withEnv(func(e *env) error {
			res, err := runDirective(ctx, e, args[0], inputs, limits)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runInputsFile, "inputs-file", "", "JSON file of inputs")
	runCmd.Flags().StringVar(&runSpend, "spend", "", "spend limit in USD")
	runCmd.Flags().IntVar(&runTurns, "turns", 0, "turn limit")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall timeout")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	runCmd.Flags().BoolVar(&runUnsigned, "allow-unsigned-directives", false, "skip signature checks on directives (tools are always verified)")
}

func runDirective(ctx context.Context, e *env, directive string, inputs map[string]any, limits harness.Limits) (*threads.Result, error) {
	if err := e.openStorage(); err != nil {
		return nil, err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if _, err := e.trust.Watch(watchCtx); err != nil {
		e.logger.Warn("trust store watch unavailable", zap.Error(err))
	}

	container := primitive.NewContainer(primitive.WithContainerLogger(e.logger))
	defer container.Close()

	prims := primitive.NewRegistry()
	prims.Register("primitives/subprocess", primitive.Subprocess{})
	prims.Register("primitives/http", primitive.HTTP{})
	if container.Available() {
		prims.Register("primitives/container", container)
	}
	exec := primitive.NewExecutor(e.resolver(), prims, primitive.WithLogger(e.logger))

	handlers := &items.Handlers{Store: e.items}
	if key, err := readSigningKey(); err == nil {
		handlers.Key = key
	}
	dispatcher := action.NewDispatcher(append(handlers.Options(), action.WithExecutor(exec))...)

	src := &items.Directives{Store: e.items}
	if !runUnsigned {
		src.Trust = e.trust
	}
	tools, err := src.Tools(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := threads.ConfigOptions(e.cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		threads.WithLogger(e.logger),
		threads.WithDispatcher(dispatcher),
		threads.WithTools(tools...),
		threads.WithRegistry(e.registry),
		threads.WithLedger(e.ledger),
		threads.WithProviderFactory(func(model string) llm.Provider {
			return llm.NewAnthropic(llm.WithModel(model), llm.WithLogger(e.logger))
		}),
	)
	o := threads.NewOrchestrator(src, opts...)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("shutdown", zap.Error(err))
		}
	}()

	t, err := o.Spawn(ctx, threads.SpawnRequest{Directive: directive, Inputs: inputs, Limits: limits})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		_ = o.Cancel(t.ID)
		<-t.Stopped()
	}
	// A suspended thread is not terminal; its snapshot is still the answer.
	res, _ := t.Result()
	return res, nil
}

func printResult(cmd *cobra.Command, res *threads.Result) error {
	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "thread %s: %s\n", res.ThreadID, res.Status)
	fmt.Fprintf(out, "usage: %d turns, %d in / %d out tokens, $%s\n",
		res.Usage.Turns, res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.Spend.StringFixed(4))
	if res.ContinuationThreadID != "" {
		fmt.Fprintf(out, "continued as %s\n", res.ContinuationThreadID)
	}
	if res.Suspension != nil {
		fmt.Fprintf(out, "suspended: %s\n", res.Suspension.Reason)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "error: %s\n", res.Error)
	}
	if res.Text != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, res.Text)
	}
	if res.Status != harness.StatusCompleted && res.Status != harness.StatusContinued {
		return fmt.Errorf("thread %s %s", res.ThreadID, res.Status)
	}
	return nil
}

func parseInputs(pairs []string, file string) (map[string]any, error) {
	inputs := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("input %q: expected key=value", p)
		}
		inputs[k] = v
	}
	return inputs, nil
}
