package executor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/ipc"
	"github.com/quarrydata/quarry/types"
)

// TerminalError is returned when an emit is attempted after a terminal
// event (run_complete/run_error) has already been successfully written.
type TerminalError struct {
	EventType types.EventType
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("emit: run already terminal (%s already written)", e.EventType)
}

// SinkFailedError is returned when an emit is attempted after a prior write
// to the sink failed. It wraps the first failure as cause.
type SinkFailedError struct {
	Cause error
}

func (e *SinkFailedError) Error() string {
	return fmt.Sprintf("emit: sink failed: %v", e.Cause)
}

func (e *SinkFailedError) Unwrap() error {
	return e.Cause
}

// Emitter is the executor-side emit API (§4.2). All operations are
// serialized through mu so frames leave in strict emit order and seq is
// assigned only to frames that actually made it to the sink.
type Emitter struct {
	mu      sync.Mutex
	sink    *ObservingSink
	runMeta *types.RunMeta
	nextSeq int64
}

// NewEmitter creates an emit API bound to runMeta and backed by sink.
func NewEmitter(sink *ObservingSink, runMeta *types.RunMeta) *Emitter {
	return &Emitter{sink: sink, runMeta: runMeta, nextSeq: 1}
}

// emitEvent is the shared path for every non-artifact event type: assert
// not-terminal, assert not-poisoned, encode+write, stamp seq only on success.
func (e *Emitter) emitEvent(eventType types.EventType, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.assertWritableLocked(); err != nil {
		return err
	}

	envelope := &types.EventEnvelope{
		ContractVersion: types.ContractVersion,
		EventID:         uuid.NewString(),
		RunID:           e.runMeta.RunID,
		Seq:             e.nextSeq,
		Type:            eventType,
		Ts:              time.Now().UTC().Format(time.RFC3339Nano),
		Payload:         payload,
		JobID:           e.runMeta.JobID,
		ParentRunID:     e.runMeta.ParentRunID,
		Attempt:         e.runMeta.Attempt,
	}

	if err := e.sink.WriteEventEnvelope(envelope); err != nil {
		return e.wrapSinkErr(err)
	}

	e.nextSeq++
	return nil
}

// assertWritableLocked checks terminal/poisoned state. Caller holds mu.
func (e *Emitter) assertWritableLocked() error {
	if failure := e.sink.SinkFailure(); failure != nil {
		return &SinkFailedError{Cause: failure}
	}
	if terminal := e.sink.GetTerminalState(); terminal != nil {
		return &TerminalError{EventType: terminal.Type}
	}
	return nil
}

// wrapSinkErr normalizes a sink write failure into a SinkFailedError.
func (e *Emitter) wrapSinkErr(err error) error {
	var poisoned *SinkFailedError
	if errors.As(err, &poisoned) {
		return poisoned
	}
	return &SinkFailedError{Cause: err}
}

// Item emits an item event with a caller-defined type label and record data.
func (e *Emitter) Item(itemType string, data map[string]any) error {
	return e.emitEvent(types.EventTypeItem, map[string]any{
		"item_type": itemType,
		"data":      data,
	})
}

// Artifact emits an artifact: chunk frames first (split at the 8 MiB raw
// data cap), then the commit event. artifactID is generated here.
func (e *Emitter) Artifact(name, contentType string, data []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.assertWritableLocked(); err != nil {
		return "", err
	}

	artifactID := uuid.NewString()

	var seq int64 = 1
	offset := 0
	for {
		end := offset + ipc.MaxChunkSize
		if end > len(data) {
			end = len(data)
		}
		isLast := end == len(data)

		chunk := &types.ArtifactChunkFrame{
			Type:       ipc.ArtifactChunkType,
			ArtifactID: artifactID,
			Seq:        seq,
			IsLast:     isLast,
			Data:       data[offset:end],
		}
		if err := e.sink.WriteArtifactChunk(chunk); err != nil {
			return "", e.wrapSinkErr(err)
		}

		seq++
		offset = end
		if isLast {
			break
		}
	}

	envelope := &types.EventEnvelope{
		ContractVersion: types.ContractVersion,
		EventID:         uuid.NewString(),
		RunID:           e.runMeta.RunID,
		Seq:             e.nextSeq,
		Type:            types.EventTypeArtifact,
		Ts:              time.Now().UTC().Format(time.RFC3339Nano),
		Payload: map[string]any{
			"artifact_id":  artifactID,
			"name":         name,
			"content_type": contentType,
			"size_bytes":   int64(len(data)),
		},
		JobID:       e.runMeta.JobID,
		ParentRunID: e.runMeta.ParentRunID,
		Attempt:     e.runMeta.Attempt,
	}

	if err := e.sink.WriteEventEnvelope(envelope); err != nil {
		return "", e.wrapSinkErr(err)
	}
	e.nextSeq++

	return artifactID, nil
}

// Checkpoint emits a checkpoint event.
func (e *Emitter) Checkpoint(checkpointID string, note *string) error {
	payload := map[string]any{"checkpoint_id": checkpointID}
	if note != nil {
		payload["note"] = *note
	}
	return e.emitEvent(types.EventTypeCheckpoint, payload)
}

// Enqueue emits an advisory fan-out enqueue event.
func (e *Emitter) Enqueue(target string, params map[string]any) error {
	return e.emitEvent(types.EventTypeEnqueue, map[string]any{
		"target": target,
		"params": params,
	})
}

// RotateProxy emits an advisory proxy rotation request.
func (e *Emitter) RotateProxy(reason *string) error {
	payload := map[string]any{}
	if reason != nil {
		payload["reason"] = *reason
	}
	return e.emitEvent(types.EventTypeRotateProxy, payload)
}

// Log emits a log event at the given level.
func (e *Emitter) Log(level types.LogLevel, message string, fields map[string]any) error {
	payload := map[string]any{
		"level":   level,
		"message": message,
	}
	if fields != nil {
		payload["fields"] = fields
	}
	return e.emitEvent(types.EventTypeLog, payload)
}

// Debug emits a log event at debug level.
func (e *Emitter) Debug(message string, fields map[string]any) error {
	return e.Log(types.LogLevelDebug, message, fields)
}

// Info emits a log event at info level.
func (e *Emitter) Info(message string, fields map[string]any) error {
	return e.Log(types.LogLevelInfo, message, fields)
}

// Warn emits a log event at warn level.
func (e *Emitter) Warn(message string, fields map[string]any) error {
	return e.Log(types.LogLevelWarn, message, fields)
}

// Error emits a log event at error level.
func (e *Emitter) Error(message string, fields map[string]any) error {
	return e.Log(types.LogLevelError, message, fields)
}

// RunError emits the run_error terminal event.
func (e *Emitter) RunError(errorType, message string, stack *string) error {
	return e.emitEvent(types.EventTypeRunError, map[string]any{
		"error_type": errorType,
		"message":    message,
		"stack":      stack,
	})
}

// RunComplete emits the run_complete terminal event.
func (e *Emitter) RunComplete(summary map[string]any) error {
	payload := map[string]any{}
	if summary != nil {
		payload["summary"] = summary
	}
	return e.emitEvent(types.EventTypeRunComplete, payload)
}
