// Package events reports job progress to the controlling process, either as
// fixed-prefix text lines or as one JSON object per line.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phases of a synthesis job.
const (
	PhaseParsing       = "PARSING"
	PhaseInference     = "INFERENCE"
	PhaseConcatenating = "CONCATENATING"
	PhaseExporting     = "EXPORTING"
)

// Worker statuses.
const (
	WorkerInfer  = "INFER"
	WorkerEncode = "ENCODE"
	WorkerIdle   = "IDLE"
)

// Checkpoint codes.
const (
	CheckpointResuming     = "RESUMING"
	CheckpointReused       = "REUSED"
	CheckpointMissingAudio = "MISSING_AUDIO"
	CheckpointSaved        = "SAVED"
	CheckpointCleaned      = "CLEANED"
	CheckpointInvalid      = "INVALID"
	CheckpointFound        = "FOUND"
	CheckpointNone         = "NONE"
)

// Event is the structured form of one emitted event.
type Event struct {
	Type      string
	Timestamp int64 // unix milliseconds
	JobID     string
	RunID     string
	Fields    map[string]any
}

// MarshalJSON flattens Fields next to the envelope keys.
func (e Event) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["type"] = e.Type
	body["timestamp"] = e.Timestamp
	body["job_id"] = e.JobID
	body["run_id"] = e.RunID
	return json.Marshal(body)
}

// Publisher mirrors events to an external sink such as the message bus.
type Publisher interface {
	PublishEvent(ctx context.Context, evt Event) error
}

// Options configures an Emitter.
type Options struct {
	Format    string // text or json
	JobID     string
	LogFile   string
	Stdout    io.Writer
	Stderr    io.Writer
	Publisher Publisher
	Logger    *slog.Logger
}

// Emitter serializes events. It is safe for concurrent use.
type Emitter struct {
	format string
	jobID  string
	runID  string
	stdout io.Writer
	stderr io.Writer
	pub    Publisher
	log    *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	logFile *os.File
}

// New creates an emitter. The log file, if any, is opened for append.
func New(opts Options) (*Emitter, error) {
	em := &Emitter{
		format: opts.Format,
		jobID:  opts.JobID,
		runID:  uuid.NewString(),
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		pub:    opts.Publisher,
		log:    opts.Logger,
		clock:  time.Now,
	}
	if em.format == "" {
		em.format = "text"
	}
	if em.jobID == "" {
		em.jobID = "job"
	}
	if em.stdout == nil {
		em.stdout = os.Stdout
	}
	if em.stderr == nil {
		em.stderr = os.Stderr
	}
	if em.log == nil {
		em.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		em.logFile = f
	}
	return em, nil
}

func (e *Emitter) JobID() string { return e.jobID }
func (e *Emitter) RunID() string { return e.runID }

// SetPublisher attaches a mirror after construction, once the bus is up.
func (e *Emitter) SetPublisher(p Publisher) {
	e.mu.Lock()
	e.pub = p
	e.mu.Unlock()
}

// Close releases the log file.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.logFile == nil {
		return nil
	}
	err := e.logFile.Close()
	e.logFile = nil
	return err
}

func (e *Emitter) write(line string, stderr bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stdout
	if stderr {
		out = e.stderr
	}
	fmt.Fprintln(out, line)
	if e.logFile != nil {
		fmt.Fprintln(e.logFile, line)
	}
}

func (e *Emitter) emit(eventType, text string, toStderr bool, fields map[string]any) {
	evt := Event{
		Type:      eventType,
		Timestamp: e.clock().UnixMilli(),
		JobID:     e.jobID,
		RunID:     e.runID,
		Fields:    fields,
	}
	if e.format == "json" {
		data, err := json.Marshal(evt)
		if err != nil {
			e.log.Warn("encode event failed", slog.String("type", eventType), slog.String("error", err.Error()))
			return
		}
		e.write(string(data), false)
	} else if text != "" {
		e.write(text, toStderr)
	}

	e.mu.Lock()
	pub := e.pub
	e.mu.Unlock()
	if pub != nil {
		if err := pub.PublishEvent(context.Background(), evt); err != nil {
			e.log.Debug("mirror event failed", slog.String("type", eventType), slog.String("error", err.Error()))
		}
	}
}

func (e *Emitter) Phase(phase string) {
	e.emit("phase", "PHASE:"+phase, false, map[string]any{"phase": phase})
}

func (e *Emitter) Metadata(key string, value any) {
	e.emit("metadata", fmt.Sprintf("METADATA:%s:%v", key, value), false,
		map[string]any{"key": key, "value": value})
}

func (e *Emitter) ParseProgress(current, total, chapters int) {
	e.emit("parse_progress", fmt.Sprintf("PARSE_PROGRESS:%d/%d:%d", current, total, chapters), false,
		map[string]any{"current_item": current, "total_items": total, "current_chapter_count": chapters})
}

func (e *Emitter) Worker(id, status, details string) {
	e.emit("worker", fmt.Sprintf("WORKER:%s:%s:%s", id, status, details), false,
		map[string]any{"id": id, "status": status, "details": details})
}

// Timing reports how long inference of one chunk took.
func (e *Emitter) Timing(index int, d time.Duration) {
	ms := d.Milliseconds()
	e.emit("timing", fmt.Sprintf("TIMING:%d:%d", index, ms), false,
		map[string]any{"chunk_idx": index, "chunk_timing_ms": ms})
}

func (e *Emitter) Progress(current, total int) {
	e.emit("progress", fmt.Sprintf("PROGRESS:%d/%d chunks", current, total), false,
		map[string]any{"current_chunk": current, "total_chunks": total})
}

// Checkpoint reports a checkpoint transition. An empty detail is omitted.
func (e *Emitter) Checkpoint(code, detail string) {
	fields := map[string]any{"code": code}
	text := "CHECKPOINT:" + code
	if detail != "" {
		fields["detail"] = detail
		text += ":" + detail
	}
	e.emit("checkpoint", text, false, fields)
}

func (e *Emitter) Heartbeat() {
	ts := e.clock().UnixMilli()
	e.emit("heartbeat", fmt.Sprintf("HEARTBEAT:%d", ts), false, map[string]any{"heartbeat_ts": ts})
}

func (e *Emitter) Error(message string) {
	e.emit("error", message, true, map[string]any{"message": message})
}

// Done reports a successfully finished job.
func (e *Emitter) Done(output string, chunks int) {
	e.emit("done", "DONE", false, map[string]any{"output": output, "chunks": chunks})
}

func (e *Emitter) Info(message string) {
	e.emit("log", message, false, map[string]any{"level": "info", "message": message})
}

func (e *Emitter) Warn(message string) {
	e.emit("log", "WARN: "+message, true, map[string]any{"level": "warning", "message": message})
}

// Inspection reports a job or checkpoint inspection result.
func (e *Emitter) Inspection(result any) {
	data, err := json.Marshal(result)
	if err != nil {
		e.Error(fmt.Sprintf("encode inspection: %v", err))
		return
	}
	e.emit("inspection", "INSPECTION:"+string(data), false, map[string]any{"result": result})
}
