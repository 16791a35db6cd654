package executor

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/quarrydata/quarry/types"
)

// PrepareDecision is the result of a Script's Prepare hook: either continue
// with (possibly rewritten) job data, or skip the run entirely.
type PrepareDecision struct {
	Skip       bool
	SkipReason string
	Job        any
}

// Script stands in for the dynamic script module the executor loads per
// run. A real deployment resolves one per job (e.g. a Go plugin loaded via
// plugin.Open, or a statically linked registry keyed by script name); this
// repository supplies the interface and the sequencing around it.
//
// All hooks are optional: an implementation that embeds NoopScript picks up
// no-op defaults for whichever hooks it doesn't care about.
type Script interface {
	Prepare(ctx context.Context, job any, runMeta *types.RunMeta) (PrepareDecision, error)
	BeforeRun(ctx context.Context) error
	Run(ctx context.Context, emit *Emitter, job any) error
	AfterRun(ctx context.Context) error
	OnError(ctx context.Context, runErr error)
	BeforeTerminal(ctx context.Context, signal string)
	Cleanup(ctx context.Context)
}

// NoopScript implements every Script hook as a no-op. Embed it in a Script
// implementation to only override the hooks that matter.
type NoopScript struct{}

func (NoopScript) Prepare(_ context.Context, job any, _ *types.RunMeta) (PrepareDecision, error) {
	return PrepareDecision{Job: job}, nil
}
func (NoopScript) BeforeRun(context.Context) error         { return nil }
func (NoopScript) AfterRun(context.Context) error          { return nil }
func (NoopScript) OnError(context.Context, error)          {}
func (NoopScript) BeforeTerminal(context.Context, string)  {}
func (NoopScript) Cleanup(context.Context)                 {}

// BrowserLauncher abstracts acquiring a browsing context for a run. The
// actual headless-browser driver (CDP client, page/context management) is
// an external collaborator; this package only needs something that can
// hand back a debugger endpoint and be torn down afterward.
type BrowserLauncher interface {
	Launch(ctx context.Context, wsEndpoint string) (BrowserHandle, error)
}

// BrowserHandle is a live browser session. Close releases it.
type BrowserHandle interface {
	Endpoint() string
	Close() error
}

// ProcessBrowserLauncher launches a system Chromium binary with remote
// debugging enabled when no external WS endpoint is supplied, or connects
// to one that already is. It shells out to the binary and reads back the
// debugging port rather than speaking the CDP wire protocol itself - proof
// that the lifecycle wiring below is agnostic to how the handle is
// obtained, not a browser automation client.
type ProcessBrowserLauncher struct {
	// BinaryPath is the Chromium/Chrome executable to launch.
	BinaryPath string
	// Port is the remote debugging port to request.
	Port int
}

type processBrowserHandle struct {
	cmd      *exec.Cmd
	endpoint string
}

func (h *processBrowserHandle) Endpoint() string { return h.endpoint }

func (h *processBrowserHandle) Close() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Launch connects to wsEndpoint if non-empty, otherwise starts a fresh
// Chromium process with --remote-debugging-port and --headless.
func (l *ProcessBrowserLauncher) Launch(ctx context.Context, wsEndpoint string) (BrowserHandle, error) {
	if wsEndpoint != "" {
		return &processBrowserHandle{endpoint: wsEndpoint}, nil
	}

	port := l.Port
	if port == 0 {
		port = 9222
	}

	cmd := exec.CommandContext(ctx, l.BinaryPath,
		"--headless=new",
		"--no-sandbox",
		fmt.Sprintf("--remote-debugging-port=%d", port),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	return &processBrowserHandle{
		cmd:      cmd,
		endpoint: fmt.Sprintf("ws://127.0.0.1:%d", port),
	}, nil
}

// Driver sequences a Script through its lifecycle hooks and the emit API
// per §4.4, and produces the run_result frame that ends the executor's
// side of the protocol.
type Driver struct {
	script   Script
	launcher BrowserLauncher
	emitter  *Emitter
	sink     *ObservingSink
}

// NewDriver builds a driver for one run.
func NewDriver(script Script, launcher BrowserLauncher, emitter *Emitter, sink *ObservingSink) *Driver {
	return &Driver{script: script, launcher: launcher, emitter: emitter, sink: sink}
}

// Outcome is the result of running a script to completion, ready to be
// turned into a RunResultFrame by the caller.
type Outcome struct {
	Status  types.RunResultStatus
	Message string
	ErrType string
	Stack   string
}

// Run executes prepare -> [browser acquire] -> beforeRun -> script -> afterRun/onError
// -> beforeTerminal -> auto-emit terminal -> cleanup, per §4.4. It never
// returns an error itself: every failure is folded into the returned Outcome,
// matching "onError and cleanup errors are swallowed".
func (d *Driver) Run(ctx context.Context, job any, runMeta *types.RunMeta, wsEndpoint string) Outcome {
	decision, err := d.script.Prepare(ctx, job, runMeta)
	if err != nil {
		return Outcome{Status: types.RunResultStatusCrash, Message: fmt.Sprintf("prepare failed: %v", err)}
	}
	if decision.Skip {
		if emitErr := d.emitter.RunComplete(map[string]any{"skipped": true, "reason": decision.SkipReason}); emitErr != nil {
			return Outcome{Status: types.RunResultStatusCrash, Message: fmt.Sprintf("skip emit failed: %v", emitErr)}
		}
		return d.terminalOutcome()
	}

	var handle BrowserHandle
	if d.launcher != nil {
		handle, err = d.launcher.Launch(ctx, wsEndpoint)
		if err != nil {
			return Outcome{Status: types.RunResultStatusCrash, Message: fmt.Sprintf("browser launch failed: %v", err)}
		}
		defer func() { _ = handle.Close() }()
	}

	if err := d.script.BeforeRun(ctx); err != nil {
		return Outcome{Status: types.RunResultStatusCrash, Message: fmt.Sprintf("beforeRun failed: %v", err)}
	}

	runErr := d.script.Run(ctx, d.emitter, decision.Job)

	if runErr == nil {
		if err := d.script.AfterRun(ctx); err != nil {
			d.script.OnError(ctx, err)
		}
	} else {
		if d.sink.GetTerminalState() == nil {
			d.script.OnError(ctx, runErr)
		}
	}

	d.script.BeforeTerminal(ctx, signalFor(runErr))

	d.autoEmitTerminal(runErr)

	d.script.Cleanup(ctx)

	return d.terminalOutcome()
}

func signalFor(runErr error) string {
	if runErr != nil {
		return "error"
	}
	return "complete"
}

// autoEmitTerminal emits run_complete or run_error if the script didn't,
// per the precedence in §4.3: script error without terminal -> run_error;
// clean return without terminal -> run_complete. Skipped if the sink is
// already poisoned - nothing more can be written.
func (d *Driver) autoEmitTerminal(runErr error) {
	if d.sink.IsSinkFailed() || d.sink.GetTerminalState() != nil {
		return
	}

	if runErr != nil {
		_ = d.emitter.RunError("script_error", runErr.Error(), nil)
		return
	}
	_ = d.emitter.RunComplete(nil)
}

// terminalOutcome reads back the sink's final state per the executor
// outcome precedence in §4.3.
func (d *Driver) terminalOutcome() Outcome {
	if failure := d.sink.SinkFailure(); failure != nil {
		return Outcome{Status: types.RunResultStatusCrash, Message: fmt.Sprintf("sink failed: %v", failure)}
	}

	terminal := d.sink.GetTerminalState()
	if terminal == nil {
		return Outcome{Status: types.RunResultStatusCrash, Message: "no terminal event written"}
	}

	if terminal.Type == types.EventTypeRunError {
		out := Outcome{Status: types.RunResultStatusError}
		if msg, ok := terminal.Payload["message"].(string); ok {
			out.Message = msg
		}
		if et, ok := terminal.Payload["error_type"].(string); ok {
			out.ErrType = et
		}
		if stack, ok := terminal.Payload["stack"].(string); ok {
			out.Stack = stack
		}
		return out
	}

	return Outcome{Status: types.RunResultStatusCompleted, Message: "run completed"}
}

// RunDeadline bounds how long Driver.Run is allowed to block waiting on a
// script that ignores context cancellation, used by cmd/quarry-executor as
// a last-resort watchdog around the whole lifecycle.
const RunDeadline = 10 * time.Minute
