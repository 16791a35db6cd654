// Package main provides the quarry-executor process: the script host that
// speaks the executor side of the IPC protocol to a quarry-runtime/quarry
// orchestrator.
//
// Usage:
//
//	quarry-executor <script.so>               run a script plugin
//	quarry-executor --validate <script.so>     validate a script plugin, no run
//	quarry-executor --launch-browser <script>  start a shared browser server
//
// Run metadata and job payload arrive as a single JSON object on stdin.
// IPC frames go out on stdout; stderr carries diagnostics and stray writes
// redirected by the stdout guard.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quarrydata/quarry/executor"
	"github.com/quarrydata/quarry/log"
	"github.com/quarrydata/quarry/runtime"
	"github.com/quarrydata/quarry/types"
)

// executorInput mirrors runtime.executorInput, the JSON object the
// orchestrator writes to this process's stdin at startup.
type executorInput struct {
	RunID             string               `json:"run_id"`
	Attempt           int                  `json:"attempt"`
	JobID             *string              `json:"job_id,omitempty"`
	ParentRunID       *string              `json:"parent_run_id,omitempty"`
	Job               any                  `json:"job"`
	Proxy             *types.ProxyEndpoint `json:"proxy,omitempty"`
	BrowserWSEndpoint string               `json:"browser_ws_endpoint,omitempty"`
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: quarry-executor [--validate|--launch-browser] <script>")
		os.Exit(runtime.ExitCodeInvalidInput)
	}

	switch args[0] {
	case "--validate":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: quarry-executor --validate <script>")
			os.Exit(runtime.ExitCodeInvalidInput)
		}
		runValidate(args[1])
	case "--launch-browser":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: quarry-executor --launch-browser <script>")
			os.Exit(runtime.ExitCodeInvalidInput)
		}
		runLaunchBrowser()
	default:
		runScript(args[0])
	}
}

// runValidate loads the script plugin and reports its shape without
// launching a browser or setting up IPC, per runtime.ValidateScript.
func runValidate(scriptPath string) {
	result := runtime.ScriptValidation{Valid: true}

	scriptPath = executor.ResolveScriptPath(scriptPath, os.Getenv("QUARRY_RESOLVE_FROM"))
	if _, err := executor.LoadScript(scriptPath); err != nil {
		result.Valid = false
		result.Error = err.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode validation result: %v\n", err)
		os.Exit(runtime.ExitCodeCrash)
	}

	if !result.Valid {
		os.Exit(runtime.ExitCodeError)
	}
	os.Exit(runtime.ExitCodeCompleted)
}

// runLaunchBrowser starts a shared browser and prints its WS endpoint as
// the first line of stdout, per runtime.LaunchManagedBrowser. It blocks
// until stdin is closed, which is the orchestrator's shutdown signal.
func runLaunchBrowser() {
	launcher := &executor.ProcessBrowserLauncher{BinaryPath: chromiumBinary()}

	handle, err := launcher.Launch(context.Background(), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to launch browser: %v\n", err)
		os.Exit(runtime.ExitCodeCrash)
	}

	fmt.Fprintln(os.Stdout, handle.Endpoint())

	// Block until stdin closes (orchestrator shutdown signal).
	_, _ = bufio.NewReader(os.Stdin).ReadByte()
	_ = handle.Close()
	os.Exit(runtime.ExitCodeCompleted)
}

// runScript executes a single run: read input from stdin, install the
// stdout guard, wire the emit API to the real stdout, drive the script
// through its lifecycle, and emit run_result.
func runScript(scriptPath string) {
	var input executorInput
	if err := json.NewDecoder(os.Stdin).Decode(&input); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode executor input: %v\n", err)
		os.Exit(runtime.ExitCodeInvalidInput)
	}

	runMeta := &types.RunMeta{
		RunID:       input.RunID,
		JobID:       input.JobID,
		ParentRunID: input.ParentRunID,
		Attempt:     input.Attempt,
	}
	if err := runMeta.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid run metadata: %v\n", err)
		os.Exit(runtime.ExitCodeInvalidInput)
	}

	scriptPath = executor.ResolveScriptPath(scriptPath, os.Getenv("QUARRY_RESOLVE_FROM"))

	logger := log.NewLogger(runMeta)
	logger.Info("executor starting", map[string]any{"script": scriptPath})

	guard, err := executor.Install()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to install stdout guard: %v\n", err)
		os.Exit(runtime.ExitCodeCrash)
	}
	defer func() { _ = guard.Close() }()

	sink := executor.NewObservingSink(guard.RealStdout())
	emitter := executor.NewEmitter(sink, runMeta)

	script, err := executor.LoadScript(scriptPath)
	if err != nil {
		emitCrashResult(sink, fmt.Sprintf("failed to load script: %v", err))
		os.Exit(runtime.ExitCodeCrash)
	}

	launcher := &executor.ProcessBrowserLauncher{BinaryPath: chromiumBinary()}
	driver := executor.NewDriver(script, launcher, emitter, sink)

	ctx, cancel := context.WithTimeout(context.Background(), executor.RunDeadline)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	outcome := driver.Run(ctx, input.Job, runMeta, input.BrowserWSEndpoint)
	logger.Info("executor finished", map[string]any{"status": string(outcome.Status)})

	writeRunResult(sink, outcome, input.Proxy)

	os.Exit(exitCodeFor(outcome.Status))
}

// emitCrashResult writes a run_result frame for failures that happen
// before a Driver exists (e.g. script load failure).
func emitCrashResult(sink *executor.ObservingSink, message string) {
	writeRunResult(sink, executor.Outcome{Status: types.RunResultStatusCrash, Message: message}, nil)
}

// writeRunResult emits the single run_result control frame that ends the
// executor's side of the protocol. Write failures here are swallowed per
// §4.3 - it is the last frame this process ever sends.
func writeRunResult(sink *executor.ObservingSink, outcome executor.Outcome, proxy *types.ProxyEndpoint) {
	result := &types.RunResultFrame{
		Type: types.RunResultType,
		Outcome: types.RunResultOutcome{
			Status: outcome.Status,
		},
	}
	if outcome.Message != "" {
		msg := outcome.Message
		result.Outcome.Message = &msg
	}
	if outcome.ErrType != "" {
		et := outcome.ErrType
		result.Outcome.ErrorType = &et
	}
	if outcome.Stack != "" {
		stack := outcome.Stack
		result.Outcome.Stack = &stack
	}
	if proxy != nil {
		redacted := proxy.Redact()
		result.ProxyUsed = &redacted
	}

	_ = sink.WriteRunResult(result)
}

func exitCodeFor(status types.RunResultStatus) int {
	switch status {
	case types.RunResultStatusCompleted:
		return runtime.ExitCodeCompleted
	case types.RunResultStatusError:
		return runtime.ExitCodeError
	default:
		return runtime.ExitCodeCrash
	}
}

// chromiumBinary resolves the system Chromium/Chrome binary, overridable
// via QUARRY_CHROMIUM_PATH for environments where it isn't on PATH.
func chromiumBinary() string {
	if path := os.Getenv("QUARRY_CHROMIUM_PATH"); path != "" {
		return path
	}
	return "chromium"
}
