package job

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/epub"
	"github.com/loqalabs/loqa-audiobook/internal/events"
	"github.com/loqalabs/loqa-audiobook/internal/export"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

const testContainer = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Short Book</dc:title>
    <dc:creator>Tess Author</dc:creator>
  </metadata>
  <manifest>
    <item id="a" href="a.xhtml" media-type="application/xhtml+xml"/>
    <item id="b" href="b.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine><itemref idref="a"/><itemref idref="b"/></spine>
</package>`

func chapterDoc(title, p1, p2 string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><p>%s</p><p>%s</p></body></html>`, title, p1, p2)
}

// writeBook creates a two-chapter book whose four paragraphs each become
// one chunk at 40 characters per chunk.
func writeBook(t *testing.T) string {
	t.Helper()
	files := map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": testContainer,
		"content.opf":            testOPF,
		"a.xhtml":                chapterDoc("Part One", "The first paragraph is here.", "The second one follows it."),
		"b.xhtml":                chapterDoc("Part Two", "A third paragraph appears.", "And the fourth ends the book."),
	}
	p := filepath.Join(t.TempDir(), "book.epub")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create epub: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
	return p
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeStream struct {
	m      *fakeMuxer
	path   string
	buf    bytes.Buffer
	closed bool
}

func (s *fakeStream) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *fakeStream) Close() error {
	s.closed = true
	s.m.outputs[s.path] = s.buf.Bytes()
	return nil
}

func (s *fakeStream) Terminate() error {
	s.m.terminated = true
	return nil
}

type fakeMuxer struct {
	outputs    map[string][]byte
	chapters   []export.Chapter
	meta       export.Metadata
	spoolPath  string
	terminated bool
}

func newFakeMuxer() *fakeMuxer { return &fakeMuxer{outputs: make(map[string][]byte)} }

func (m *fakeMuxer) OpenStream(ctx context.Context, outputPath string, s export.Settings) (Stream, error) {
	return &fakeStream{m: m, path: outputPath}, nil
}

func (m *fakeMuxer) ExportMP3(ctx context.Context, pcmPath, outputPath string, s export.Settings) error {
	data, err := os.ReadFile(pcmPath)
	if err != nil {
		return err
	}
	m.spoolPath = pcmPath
	m.outputs[outputPath] = data
	return nil
}

func (m *fakeMuxer) ExportM4B(ctx context.Context, pcmPath, outputPath string, meta export.Metadata, chapters []export.Chapter, s export.Settings) error {
	if err := m.ExportMP3(ctx, pcmPath, outputPath, s); err != nil {
		return err
	}
	m.meta = meta
	m.chapters = chapters
	return nil
}

// flakyBackend fails on the chunk whose text contains failOn.
type flakyBackend struct {
	tts.Backend
	failOn     string
	cleanupErr error
}

func (b *flakyBackend) Generate(ctx context.Context, req tts.Request) (<-chan tts.Audio, <-chan error) {
	if b.failOn != "" && strings.Contains(req.Text, b.failOn) {
		audio := make(chan tts.Audio)
		errs := make(chan error, 1)
		errs <- errors.New("synthetic inference failure")
		close(audio)
		close(errs)
		return audio, errs
	}
	return b.Backend.Generate(ctx, req)
}

func (b *flakyBackend) Cleanup() error {
	if err := b.Backend.Cleanup(); err != nil {
		return err
	}
	return b.cleanupErr
}

type harness struct {
	runner *Runner
	muxer  *fakeMuxer
	store  *checkpoint.Store
	out    *syncBuffer
	spool  string
}

func newHarness(t *testing.T, backend func() tts.Backend) *harness {
	t.Helper()
	out := &syncBuffer{}
	em, err := events.New(events.Options{JobID: "test", Stdout: out, Stderr: out})
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	store := checkpoint.New("", nil)
	t.Cleanup(func() { _ = store.Close() })
	if backend == nil {
		backend = func() tts.Backend { return tts.NewMock(24000) }
	}
	h := &harness{muxer: newFakeMuxer(), store: store, out: out, spool: t.TempDir()}
	h.runner = &Runner{
		Emitter:  em,
		Preparer: &Preparer{Resolver: NewResolver(HostProfile{}, nil, nil), Store: store},
		Store:    store,
		Backends: func(name string) (tts.Backend, error) {
			if name != "mock" {
				return nil, fmt.Errorf("unexpected backend %s", name)
			}
			return backend(), nil
		},
		Muxer:             h.muxer,
		HeartbeatInterval: time.Hour,
		TempDir:           h.spool,
	}
	return h
}

func testOptions(t *testing.T, input string) Options {
	t.Helper()
	opts := OptionsFromConfig(config.Default().Job)
	opts.Input = input
	opts.Output = filepath.Join(t.TempDir(), "out", "book.mp3")
	opts.Backend = "mock"
	opts.ChunkChars = 40
	return opts
}

// assertOrder checks that each want string appears in out after the
// previous one.
func assertOrder(t *testing.T, out string, want ...string) {
	t.Helper()
	rest := out
	for _, w := range want {
		i := strings.Index(rest, w)
		if i < 0 {
			t.Fatalf("missing %q in order; output:\n%s", w, out)
		}
		rest = rest[i+len(w):]
	}
}

func TestRunStreamsMP3(t *testing.T) {
	h := newHarness(t, nil)
	opts := testOptions(t, writeBook(t))

	if err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertOrder(t, h.out.String(),
		"PHASE:PARSING",
		"PARSE_PROGRESS:2/2:2",
		"METADATA:backend_resolved:mock",
		"METADATA:device_resolved:cpu",
		"METADATA:pipeline_mode:sequential",
		"METADATA:total_chars:",
		"METADATA:chapter_count:2",
		"Processing 4 chunks with mock backend (sequential pipeline + streaming MP3 export)",
		"PHASE:INFERENCE",
		"PROGRESS:4/4 chunks",
		"PHASE:CONCATENATING",
		"PHASE:EXPORTING",
		"DONE",
		"Done.",
		"Chunks: 4",
	)
	if strings.Contains(h.out.String(), "CHECKPOINT:") {
		t.Fatal("no checkpoint events expected without --checkpoint")
	}
	if len(h.muxer.outputs[opts.Output]) == 0 {
		t.Fatal("expected streamed audio")
	}
	if h.muxer.terminated {
		t.Fatal("closed stream must not be terminated")
	}
	if _, err := os.Stat(filepath.Dir(opts.Output)); err != nil {
		t.Fatalf("output dir should be created: %v", err)
	}
}

func TestRunOverlappedMatchesSequential(t *testing.T) {
	input := writeBook(t)

	seq := newHarness(t, nil)
	seqOpts := testOptions(t, input)
	if err := seq.runner.Run(context.Background(), seqOpts); err != nil {
		t.Fatalf("sequential run: %v", err)
	}

	ovl := newHarness(t, nil)
	ovlOpts := testOptions(t, input)
	ovlOpts.PipelineMode = ModeOverlapped
	if err := ovl.runner.Run(context.Background(), ovlOpts); err != nil {
		t.Fatalf("overlapped run: %v", err)
	}
	if !strings.Contains(ovl.out.String(), "(overlapped pipeline + streaming MP3 export)") {
		t.Fatalf("expected overlapped mode, got:\n%s", ovl.out.String())
	}
	if !bytes.Equal(seq.muxer.outputs[seqOpts.Output], ovl.muxer.outputs[ovlOpts.Output]) {
		t.Fatal("overlapped audio differs from sequential audio")
	}
}

func TestRunM4BWithCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	opts := testOptions(t, writeBook(t))
	opts.Output = strings.TrimSuffix(opts.Output, ".mp3") + ".m4b"
	opts.Format = "m4b"
	opts.Checkpoint = true
	opts.PipelineMode = ModeOverlapped
	opts.Title = "Override Title"

	if err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := h.out.String()
	assertOrder(t, out,
		"METADATA:pipeline_mode:sequential",
		"WARN: --pipeline-mode=overlapped is currently supported only for MP3",
		"(sequential pipeline + disk spooling)",
		"CHECKPOINT:SAVED:0",
		"CHECKPOINT:SAVED:3",
		"PHASE:EXPORTING",
		"CHECKPOINT:CLEANED",
		"DONE",
	)

	if len(h.muxer.chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %+v", h.muxer.chapters)
	}
	first, second := h.muxer.chapters[0], h.muxer.chapters[1]
	if first.Title != "Part One" || second.Title != "Part Two" {
		t.Fatalf("unexpected chapter titles %+v", h.muxer.chapters)
	}
	total := int64(len(h.muxer.outputs[opts.Output]) / 2)
	if first.StartSample != 0 || first.EndSample != second.StartSample || second.EndSample != total {
		t.Fatalf("chapters do not tile the audio: %+v total %d", h.muxer.chapters, total)
	}
	if h.muxer.meta.Title != "Override Title" || h.muxer.meta.Author != "Tess Author" {
		t.Fatalf("unexpected metadata %+v", h.muxer.meta)
	}

	if _, err := os.Stat(h.muxer.spoolPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("spool file should be removed, stat err %v", err)
	}
	if _, err := os.Stat(h.store.Dir(opts.Output)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("checkpoint dir should be removed, stat err %v", err)
	}
}

func TestRunResumesAfterFailure(t *testing.T) {
	input := writeBook(t)

	clean := newHarness(t, nil)
	cleanOpts := testOptions(t, input)
	cleanOpts.Checkpoint = true
	if err := clean.runner.Run(context.Background(), cleanOpts); err != nil {
		t.Fatalf("clean run: %v", err)
	}
	want := clean.muxer.outputs[cleanOpts.Output]

	failing := newHarness(t, func() tts.Backend {
		return &flakyBackend{Backend: tts.NewMock(24000), failOn: "third paragraph"}
	})
	opts := testOptions(t, input)
	opts.Checkpoint = true
	err := failing.runner.Run(context.Background(), opts)
	if err == nil || !strings.Contains(err.Error(), "synthetic inference failure") {
		t.Fatalf("expected inference failure, got %v", err)
	}
	if _, ok := failing.muxer.outputs[opts.Output]; ok {
		t.Fatal("failed run must not export")
	}

	code, detail, err := CheckCheckpoint(context.Background(), failing.store, opts.Input, opts.Output)
	if err != nil || code != events.CheckpointFound || detail != "4:2" {
		t.Fatalf("unexpected checkpoint check %s %s %v", code, detail, err)
	}

	resumed := newHarness(t, nil)
	opts.Resume = true
	if err := resumed.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	out := resumed.out.String()
	assertOrder(t, out,
		"CHECKPOINT:RESUMING:2",
		"CHECKPOINT:REUSED:0",
		"CHECKPOINT:REUSED:1",
		"CHECKPOINT:SAVED:2",
		"CHECKPOINT:SAVED:3",
		"CHECKPOINT:CLEANED",
	)
	if strings.Contains(out, "TIMING:0:") || strings.Contains(out, "TIMING:1:") {
		t.Fatal("reused chunks must not report inference timing")
	}
	if !bytes.Equal(resumed.muxer.outputs[opts.Output], want) {
		t.Fatal("resumed audio differs from an uninterrupted run")
	}
}

func TestRunResumeWithoutCheckpointStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	opts := testOptions(t, writeBook(t))
	opts.Resume = true

	if err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertOrder(t, h.out.String(),
		"CHECKPOINT:INVALID:config_mismatch",
		"(sequential pipeline + disk spooling)",
		"CHECKPOINT:SAVED:0",
		"CHECKPOINT:CLEANED",
	)
}

func TestRunReportsCleanupErrorOnlyWhenRunSucceeds(t *testing.T) {
	cleanupErr := errors.New("worker did not exit")

	h := newHarness(t, func() tts.Backend {
		return &flakyBackend{Backend: tts.NewMock(24000), cleanupErr: cleanupErr}
	})
	if err := h.runner.Run(context.Background(), testOptions(t, writeBook(t))); !errors.Is(err, cleanupErr) {
		t.Fatalf("expected cleanup error, got %v", err)
	}

	h = newHarness(t, func() tts.Backend {
		return &flakyBackend{Backend: tts.NewMock(24000), failOn: "first paragraph", cleanupErr: cleanupErr}
	})
	opts := testOptions(t, writeBook(t))
	err := h.runner.Run(context.Background(), opts)
	if err == nil || errors.Is(err, cleanupErr) {
		t.Fatalf("primary error should win, got %v", err)
	}
	if !h.muxer.terminated {
		t.Fatal("stream should be terminated after a failed run")
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	h := newHarness(t, nil)
	input := writeBook(t)

	missing := testOptions(t, filepath.Join(t.TempDir(), "nope.epub"))
	if err := h.runner.Run(context.Background(), missing); err == nil || !strings.Contains(err.Error(), "input EPUB not found") {
		t.Fatalf("expected missing input error, got %v", err)
	}

	prefetch := testOptions(t, input)
	prefetch.PrefetchChunks = 0
	if err := h.runner.Run(context.Background(), prefetch); err == nil || !strings.Contains(err.Error(), "--prefetch-chunks") {
		t.Fatalf("expected prefetch error, got %v", err)
	}

	queue := testOptions(t, input)
	queue.PCMQueueSize = 0
	if err := h.runner.Run(context.Background(), queue); err == nil || !strings.Contains(err.Error(), "--pcm-queue-size") {
		t.Fatalf("expected queue size error, got %v", err)
	}

	speed := testOptions(t, input)
	speed.Speed = 0
	if err := h.runner.Run(context.Background(), speed); err == nil {
		t.Fatal("expected validation error for zero speed")
	}
	if strings.Contains(h.out.String(), "PHASE:") {
		t.Fatal("rejected options must not start a job")
	}
}

func TestRunWarnsOnCompatibilityFlags(t *testing.T) {
	h := newHarness(t, nil)
	opts := testOptions(t, writeBook(t))
	opts.Workers = 3
	opts.NoCheckpoint = true

	if err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := h.out.String()
	for _, want := range []string{
		"WARN: --no-checkpoint is deprecated",
		"WARN: --workers=3 is currently a compatibility setting",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRunExtractMetadata(t *testing.T) {
	h := newHarness(t, nil)
	opts := testOptions(t, writeBook(t))
	opts.ExtractMetadata = true

	if err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := h.out.String()
	assertOrder(t, out, "METADATA:title:Short Book", "METADATA:author:Tess Author", "METADATA:has_cover:false")
	if strings.Contains(out, "PHASE:") {
		t.Fatal("metadata extraction must not run a job")
	}
}

func TestRunInspectJob(t *testing.T) {
	h := newHarness(t, nil)
	opts := testOptions(t, writeBook(t))
	opts.InspectJob = true

	if err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := h.out.String()
	for _, want := range []string{
		`INSPECTION:{`,
		`"resolved_backend":"mock"`,
		`"resolved_chunk_chars":40`,
		`"total_chunks":4`,
		`"chapter_count":2`,
		`"title":"Short Book"`,
		`"reason":"not_found"`,
		`"missing_audio_chunks":[]`,
		`"errors":[]`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in:\n%s", want, out)
		}
	}
}

func TestCheckCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.New("", nil)
	t.Cleanup(func() { _ = store.Close() })
	input := writeBook(t)
	output := filepath.Join(t.TempDir(), "book.mp3")

	code, _, err := CheckCheckpoint(ctx, store, input, output)
	if err != nil || code != events.CheckpointNone {
		t.Fatalf("expected NONE, got %s %v", code, err)
	}

	state := checkpoint.NewState("not-the-hash", checkpoint.Config{Voice: "af_heart"}, 4, nil)
	if err := store.Save(ctx, store.Dir(output), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	code, detail, err := CheckCheckpoint(ctx, store, input, output)
	if err != nil || code != events.CheckpointInvalid || detail != checkpoint.ReasonHashMismatch {
		t.Fatalf("expected hash mismatch, got %s %s %v", code, detail, err)
	}
}

func TestPrepareReportsEmptyBook(t *testing.T) {
	p := &Preparer{
		Resolver: NewResolver(HostProfile{}, nil, nil),
		Store:    checkpoint.New("", nil),
		Parse: func(string, epub.ProgressFunc) (*epub.Book, error) {
			return &epub.Book{Sections: []epub.Section{{Title: "Blank", Text: "   \n  "}}}, nil
		},
	}
	opts := testOptions(t, "book.epub")
	if _, err := p.Prepare(context.Background(), opts, PrepareOptions{}); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("expected ErrNoChunks, got %v", err)
	}
}

func TestPrepareAppliesOverridesOnlyForM4B(t *testing.T) {
	p := &Preparer{Resolver: NewResolver(HostProfile{}, nil, nil), Store: checkpoint.New("", nil)}
	cover := filepath.Join(t.TempDir(), "cover.png")
	if err := os.WriteFile(cover, []byte("PNG"), 0o644); err != nil {
		t.Fatalf("write cover: %v", err)
	}
	opts := testOptions(t, writeBook(t))
	opts.Title = "New Title"
	opts.Author = "New Author"
	opts.Cover = cover

	job, err := p.Prepare(context.Background(), opts, PrepareOptions{})
	if err != nil {
		t.Fatalf("prepare mp3: %v", err)
	}
	if job.Metadata.Title != "Short Book" || job.Metadata.HasCover() {
		t.Fatalf("mp3 should keep book metadata, got %+v", job.Metadata)
	}
	if job.Checkpoint != nil {
		t.Fatal("checkpoint inspection was not requested")
	}

	opts.Format = "m4b"
	job, err = p.Prepare(context.Background(), opts, PrepareOptions{})
	if err != nil {
		t.Fatalf("prepare m4b: %v", err)
	}
	m := job.Metadata
	if m.Title != "New Title" || m.Author != "New Author" || string(m.Cover) != "PNG" || m.CoverMIME != "image/png" {
		t.Fatalf("unexpected overrides %+v", m)
	}

	opts.Cover = filepath.Join(t.TempDir(), "missing.jpg")
	if _, err := p.Prepare(context.Background(), opts, PrepareOptions{}); err == nil || !strings.Contains(err.Error(), "cover override file not found") {
		t.Fatalf("expected missing cover error, got %v", err)
	}
}

func TestFinishCleanup(t *testing.T) {
	primary := errors.New("primary")
	first := errors.New("first")
	if err := finishCleanup(primary, first); err != primary {
		t.Fatalf("expected primary, got %v", err)
	}
	if err := finishCleanup(nil, nil, first, errors.New("second")); err != first {
		t.Fatalf("expected first cleanup error, got %v", err)
	}
	if err := finishCleanup(nil, nil, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
