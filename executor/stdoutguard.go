// Package executor implements the executor-side half of the runtime/executor
// split: the emit API, the observing sink that backs it, the stdout guard
// that protects the IPC channel, and the driver that sequences a script
// through its lifecycle hooks.
package executor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// previewLen is the number of characters of a stray stdout write echoed to
// stderr as a diagnostic preview.
const previewLen = 200

// StdoutGuard substitutes os.Stdout with a pipe for the lifetime of a run,
// so that any text a script (or a library it imports) writes to stdout by
// habit - fmt.Println, a stray log line - lands on stderr instead of
// corrupting the binary IPC stream. The real stdout file handle is kept
// aside and exposed only to the emit/sink layer via RealStdout.
//
// Install must be called exactly once per process before any emit happens.
// It sets os.Stdout to the write end of an os.Pipe whose read end is drained
// to stderr, and keeps the original *os.File aside, so nothing downstream
// can reach the real handle except through RealStdout.
type StdoutGuard struct {
	mu        sync.Mutex
	real      *os.File
	pipeR     *os.File
	pipeW     *os.File
	done      chan struct{}
	installed bool
}

var (
	guardOnce sync.Once
	guard     *StdoutGuard
)

// Install patches the process's stdout exactly once. Subsequent calls
// return the same guard. The caller must call Close when the run ends to
// stop the background drain goroutine and restore os.Stdout.
func Install() (*StdoutGuard, error) {
	var installErr error
	guardOnce.Do(func() {
		guard, installErr = newStdoutGuard()
	})
	return guard, installErr
}

func newStdoutGuard() (*StdoutGuard, error) {
	real := os.Stdout

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout guard: failed to create pipe: %w", err)
	}

	g := &StdoutGuard{
		real:      real,
		pipeR:     pipeR,
		pipeW:     pipeW,
		done:      make(chan struct{}),
		installed: true,
	}

	os.Stdout = pipeW
	go g.drain()

	return g, nil
}

// drain reads whatever lands on the substituted stdout and redirects it to
// stderr with a truncated, newline-escaped preview. It never reaches the
// real stdout handle.
func (g *StdoutGuard) drain() {
	defer close(g.done)

	buf := make([]byte, 4096)
	for {
		n, err := g.pipeR.Read(buf)
		if n > 0 {
			g.reportStray(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (g *StdoutGuard) reportStray(b []byte) {
	preview := string(b)
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	preview = strings.ReplaceAll(preview, "\n", "\\n")
	fmt.Fprintf(os.Stderr, "quarry: stray write to stdout, redirected (preview): %s\n", preview)
}

// RealStdout returns the original stdout file handle, untouched by the
// substitution. Only the emit/sink layer may use it to write IPC frames.
func (g *StdoutGuard) RealStdout() io.Writer {
	return g.real
}

// Close restores os.Stdout and stops the drain goroutine. Safe to call once;
// further writes to the guard's pipe after Close are not observed.
func (g *StdoutGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.installed {
		return nil
	}
	g.installed = false

	os.Stdout = g.real

	if err := g.pipeW.Close(); err != nil {
		return fmt.Errorf("stdout guard: failed to close pipe writer: %w", err)
	}
	<-g.done
	return g.pipeR.Close()
}
