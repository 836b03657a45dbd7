package events

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestEmitter(t *testing.T, format string) (*Emitter, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	em, err := New(Options{Format: format, JobID: "job-1", Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	em.clock = func() time.Time { return time.UnixMilli(1234) }
	t.Cleanup(func() { _ = em.Close() })
	return em, &stdout, &stderr
}

func TestTextFormat(t *testing.T) {
	em, stdout, stderr := newTestEmitter(t, "text")
	em.Phase(PhaseInference)
	em.Metadata("total_chars", 1200)
	em.ParseProgress(3, 10, 2)
	em.Worker("0", WorkerInfer, "Chunk 1/5")
	em.Timing(0, 1500*time.Millisecond)
	em.Progress(1, 5)
	em.Checkpoint(CheckpointSaved, "0")
	em.Checkpoint(CheckpointResuming, "")
	em.Heartbeat()
	em.Inspection(map[string]int{"chunks": 5})
	em.Info("plain message")
	em.Done("out.mp3", 5)
	em.Warn("careful")
	em.Error("it broke")

	want := strings.Join([]string{
		"PHASE:INFERENCE",
		"METADATA:total_chars:1200",
		"PARSE_PROGRESS:3/10:2",
		"WORKER:0:INFER:Chunk 1/5",
		"TIMING:0:1500",
		"PROGRESS:1/5 chunks",
		"CHECKPOINT:SAVED:0",
		"CHECKPOINT:RESUMING",
		"HEARTBEAT:1234",
		`INSPECTION:{"chunks":5}`,
		"plain message",
		"DONE",
	}, "\n") + "\n"
	if stdout.String() != want {
		t.Fatalf("unexpected stdout:\n%s\nwant:\n%s", stdout.String(), want)
	}
	if stderr.String() != "WARN: careful\nit broke\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestJSONFormat(t *testing.T) {
	em, stdout, stderr := newTestEmitter(t, "json")
	em.Progress(2, 4)
	em.Error("bad")
	em.Warn("hmm")

	if stderr.Len() != 0 {
		t.Fatalf("json mode writes everything to stdout, stderr got %q", stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var evt map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt["type"] != "progress" || evt["job_id"] != "job-1" || evt["timestamp"] != float64(1234) {
		t.Fatalf("unexpected envelope %v", evt)
	}
	if evt["run_id"] != em.RunID() || em.RunID() == "" {
		t.Fatalf("expected run id %q, got %v", em.RunID(), evt["run_id"])
	}
	if evt["current_chunk"] != float64(2) || evt["total_chunks"] != float64(4) {
		t.Fatalf("unexpected fields %v", evt)
	}
	if err := json.Unmarshal([]byte(lines[2]), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt["type"] != "log" || evt["level"] != "warning" {
		t.Fatalf("unexpected warn event %v", evt)
	}
}

func TestLogFileMirrorsOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.log")
	var stdout bytes.Buffer
	em, err := New(Options{LogFile: path, Stdout: &stdout, Stderr: &stdout})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	em.Phase(PhaseParsing)
	em.Warn("w")
	if err := em.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(data) != "PHASE:PARSING\nWARN: w\n" {
		t.Fatalf("unexpected log file %q", data)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) PublishEvent(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func TestPublisherReceivesEveryEvent(t *testing.T) {
	em, _, _ := newTestEmitter(t, "text")
	pub := &recordingPublisher{}
	em.SetPublisher(pub)
	em.Phase(PhaseExporting)
	em.Done("out.mp3", 1)
	if len(pub.events) != 2 || pub.events[0].Type != "phase" || pub.events[1].Type != "done" {
		t.Fatalf("unexpected mirrored events %+v", pub.events)
	}
	if pub.events[0].Fields["phase"] != PhaseExporting {
		t.Fatalf("unexpected fields %v", pub.events[0].Fields)
	}
}

func TestHeartbeatTicksAndStops(t *testing.T) {
	var out syncBuffer
	em, err := New(Options{Stdout: &out, Stderr: &out})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	hb := StartHeartbeat(em, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	if !hb.Stop(time.Second) {
		t.Fatal("heartbeat did not stop in time")
	}
	if !hb.Stop(time.Second) {
		t.Fatal("second stop should also succeed")
	}
	if n := strings.Count(out.String(), "HEARTBEAT:"); n == 0 {
		t.Fatal("expected at least one heartbeat")
	}
}

func TestPacer(t *testing.T) {
	em, stdout, _ := newTestEmitter(t, "text")
	now := time.Unix(100, 0)
	p := NewPacer(em, 5*time.Second)
	p.last = now
	p.now = func() time.Time { return now }

	p.Tick()
	now = now.Add(4 * time.Second)
	p.Tick()
	if stdout.Len() != 0 {
		t.Fatalf("no heartbeat expected yet, got %q", stdout.String())
	}
	now = now.Add(time.Second)
	p.Tick()
	p.Tick()
	if n := strings.Count(stdout.String(), "HEARTBEAT:"); n != 1 {
		t.Fatalf("expected exactly one heartbeat, got %d", n)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
