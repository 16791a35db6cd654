package executor

import (
	"fmt"
	"io"
	"sync"

	"github.com/quarrydata/quarry/ipc"
	"github.com/quarrydata/quarry/types"
)

// TerminalState records the first terminal event (run_complete or run_error)
// whose write to the sink succeeded. An ObservingSink's lifetime is one run:
// it holds at most one terminal reference and one failure, ever.
type TerminalState struct {
	Type    types.EventType
	Payload map[string]any
}

// ObservingSink wraps a raw frame writer (the real stdout handle behind a
// StdoutGuard) and observes what passes through it: the first successfully
// written terminal event, and the first write failure. Once failed it
// refuses further writes, per the emit layer's fail-fast contract.
type ObservingSink struct {
	mu       sync.Mutex
	w        io.Writer
	terminal *TerminalState
	failure  error
}

// NewObservingSink wraps w, the destination for outgoing IPC frames.
func NewObservingSink(w io.Writer) *ObservingSink {
	return &ObservingSink{w: w}
}

// WriteEventEnvelope encodes and writes an event envelope frame. If the
// envelope's type is terminal (run_complete/run_error) and the write
// succeeds, it is latched as the sink's terminal state.
func (s *ObservingSink) WriteEventEnvelope(envelope *types.EventEnvelope) error {
	frame, err := ipc.EncodeEventEnvelope(envelope)
	if err != nil {
		return s.fail(fmt.Errorf("encode event envelope: %w", err))
	}

	if err := s.write(frame); err != nil {
		return err
	}

	if envelope.Type.IsTerminal() {
		s.mu.Lock()
		if s.terminal == nil {
			s.terminal = &TerminalState{Type: envelope.Type, Payload: envelope.Payload}
		}
		s.mu.Unlock()
	}

	return nil
}

// WriteArtifactChunk encodes and writes an artifact chunk frame.
func (s *ObservingSink) WriteArtifactChunk(chunk *types.ArtifactChunkFrame) error {
	frame, err := ipc.EncodeArtifactChunk(chunk)
	if err != nil {
		return s.fail(fmt.Errorf("encode artifact chunk: %w", err))
	}
	return s.write(frame)
}

// WriteRunResult encodes and writes the run_result control frame. Unlike
// other writes, a failure here is not poisoning (it is the last frame the
// executor ever sends) - callers should swallow the error per §4.3.
func (s *ObservingSink) WriteRunResult(result *types.RunResultFrame) error {
	frame, err := ipc.EncodeRunResult(result)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	_, err = s.w.Write(frame)
	return err
}

// write performs the actual blocking write and records the first failure.
func (s *ObservingSink) write(frame []byte) error {
	s.mu.Lock()
	if s.failure != nil {
		failure := s.failure
		s.mu.Unlock()
		return failure
	}
	s.mu.Unlock()

	if _, err := s.w.Write(frame); err != nil {
		return s.fail(fmt.Errorf("sink write failed: %w", err))
	}
	return nil
}

func (s *ObservingSink) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
	return s.failure
}

// IsSinkFailed reports whether a write has ever failed on this sink.
func (s *ObservingSink) IsSinkFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure != nil
}

// SinkFailure returns the first write failure, or nil if the sink is healthy.
func (s *ObservingSink) SinkFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// GetTerminalState returns the latched terminal event, or nil if the script
// has not yet (successfully) emitted run_complete or run_error.
func (s *ObservingSink) GetTerminalState() *TerminalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}
