package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/epub"
	"github.com/loqalabs/loqa-audiobook/internal/events"
	"github.com/loqalabs/loqa-audiobook/internal/export"
	"github.com/loqalabs/loqa-audiobook/internal/pipeline"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

const (
	parseHeartbeatStopTimeout = time.Second
	spoolBufferSize           = 1 << 20
)

// Stream is a live encoder fed with PCM while synthesis runs.
type Stream interface {
	io.Writer
	Close() error
	Terminate() error
}

// Muxer produces the final audio file.
type Muxer interface {
	OpenStream(ctx context.Context, outputPath string, s export.Settings) (Stream, error)
	ExportMP3(ctx context.Context, pcmPath, outputPath string, s export.Settings) error
	ExportM4B(ctx context.Context, pcmPath, outputPath string, meta export.Metadata, chapters []export.Chapter, s export.Settings) error
}

type ffmpegMuxer struct{ *export.Muxer }

func (m ffmpegMuxer) OpenStream(ctx context.Context, outputPath string, s export.Settings) (Stream, error) {
	stream, err := m.Muxer.OpenStream(ctx, outputPath, s)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// FFmpegMuxer adapts an export.Muxer to the Muxer interface.
func FFmpegMuxer(m *export.Muxer) Muxer { return ffmpegMuxer{m} }

// BackendFactory builds a concrete, uninitialized TTS backend by name.
type BackendFactory func(name string) (tts.Backend, error)

// Runner executes jobs end to end and reports through the emitter.
type Runner struct {
	Emitter  *events.Emitter
	Preparer *Preparer
	Store    *checkpoint.Store
	Backends BackendFactory
	Muxer    Muxer
	// Recorder observes chunk synthesis; optional.
	Recorder          pipeline.Recorder
	HeartbeatInterval time.Duration
	// TempDir holds the PCM spool; empty uses the system default.
	TempDir string
	Logger  *slog.Logger
}

func (r *Runner) log() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

func (r *Runner) heartbeatInterval() time.Duration {
	if r.HeartbeatInterval <= 0 {
		return 5 * time.Second
	}
	return r.HeartbeatInterval
}

// Run executes the mode selected by opts: metadata extraction, job
// inspection, checkpoint check, or a full conversion.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	em := r.Emitter
	if _, err := os.Stat(opts.Input); err != nil {
		return fmt.Errorf("input EPUB not found: %s", opts.Input)
	}
	if opts.NoCheckpoint {
		em.Warn("--no-checkpoint is deprecated and has no effect (checkpointing is opt-in via --checkpoint).")
	}
	if opts.PrefetchChunks < 1 {
		return errors.New("--prefetch-chunks must be >= 1")
	}
	if opts.PCMQueueSize < 1 {
		return errors.New("--pcm-queue-size must be >= 1")
	}
	if opts.Workers != 1 {
		em.Warn(fmt.Sprintf("--workers=%d is currently a compatibility setting. Inference remains sequential.", opts.Workers))
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	switch {
	case opts.ExtractMetadata:
		return r.extractMetadata(opts)
	case opts.InspectJob:
		insp, err := r.Preparer.InspectJob(ctx, opts)
		if err != nil {
			return err
		}
		em.Inspection(insp)
		return nil
	case opts.CheckCheckpoint:
		code, detail, err := CheckCheckpoint(ctx, r.Store, opts.Input, opts.Output)
		if err != nil {
			return err
		}
		em.Checkpoint(code, detail)
		return nil
	}
	return r.convert(ctx, opts)
}

func (r *Runner) extractMetadata(opts Options) error {
	meta, err := epub.ExtractMetadata(opts.Input)
	if err != nil {
		return err
	}
	r.Emitter.Metadata("title", meta.Title)
	r.Emitter.Metadata("author", meta.Author)
	r.Emitter.Metadata("has_cover", strconv.FormatBool(meta.HasCover()))
	return nil
}

func (r *Runner) prepare(ctx context.Context, opts Options) (*PreparedJob, error) {
	em := r.Emitter
	em.Phase(events.PhaseParsing)
	hb := events.StartHeartbeat(em, r.heartbeatInterval())
	job, err := r.Preparer.Prepare(ctx, opts, PrepareOptions{
		InspectCheckpoint: true,
		Progress:          em.ParseProgress,
	})
	if !hb.Stop(parseHeartbeatStopTimeout) {
		r.log().Warn("parse heartbeat did not stop in time")
	}
	return job, err
}

// resumeState loads a compatible checkpoint, or returns nil and reports why
// the job starts fresh.
func (r *Runner) resumeState(ctx context.Context, job *PreparedJob) (*checkpoint.State, error) {
	em := r.Emitter
	ok, err := r.Store.Verify(ctx, job.CheckpointDir, job.Options.Input, job.CheckpointConfig())
	if err != nil {
		return nil, fmt.Errorf("verify checkpoint: %w", err)
	}
	if !ok {
		em.Checkpoint(events.CheckpointInvalid, checkpoint.ReasonConfigMismatch)
		return nil, nil
	}
	state, err := r.Store.Load(ctx, job.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if state == nil || state.TotalChunks != len(job.Chunks) {
		em.Checkpoint(events.CheckpointInvalid, checkpoint.ReasonChunkMismatch)
		return nil, nil
	}
	em.Checkpoint(events.CheckpointResuming, strconv.Itoa(len(state.CompletedIndices())))
	return state, nil
}

func (r *Runner) convert(ctx context.Context, opts Options) (err error) {
	em := r.Emitter
	log := r.log().With(slog.String("job_id", em.JobID()), slog.String("run_id", em.RunID()))

	ctx, span := otel.Tracer("audiobook/job").Start(ctx, "job.convert")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	job, err := r.prepare(ctx, opts)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("backend", job.Backend),
		attribute.String("pipeline_mode", job.PipelineMode),
		attribute.Int("chunks", len(job.Chunks)),
	)

	em.Metadata("backend_resolved", job.Backend)
	em.Metadata("device_resolved", job.Device)
	em.Metadata("pipeline_mode", job.PipelineMode)
	for _, w := range job.Warnings {
		em.Warn(w)
	}
	em.Metadata("total_chars", job.TotalChars)
	em.Metadata("chapter_count", len(job.ChapterStarts))

	total := len(job.Chunks)
	var state *checkpoint.State
	if job.UseCheckpoint && opts.Resume {
		if state, err = r.resumeState(ctx, job); err != nil {
			return err
		}
	}

	res := &resources{}
	defer func() {
		cleanupErrs := res.release()
		for _, cerr := range cleanupErrs {
			if cerr != nil {
				log.Warn("cleanup failed", slog.String("error", cerr.Error()))
			}
		}
		err = finishCleanup(err, cleanupErrs...)
	}()

	backend, err := r.Backends(job.Backend)
	if err != nil {
		return fmt.Errorf("failed to initialize '%s' backend: %w", job.Backend, err)
	}
	res.backend = backend
	if err := backend.Initialize(ctx, tts.InitOptions{LangCode: opts.LangCode, Device: job.Device}); err != nil {
		return fmt.Errorf("failed to initialize '%s' backend: %w", job.Backend, err)
	}
	sampleRate := backend.SampleRate()
	log.Info("backend ready", slog.String("backend", backend.Name()), slog.Int("sample_rate", sampleRate))

	if outDir := filepath.Dir(opts.Output); outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	settings := export.Settings{SampleRate: sampleRate, Bitrate: opts.Bitrate, Normalize: opts.Normalize}
	useStream := opts.Format == "mp3" && !job.UseCheckpoint
	var (
		sink     io.Writer
		spoolBuf *bufio.Writer
	)
	if useStream {
		stream, err := r.Muxer.OpenStream(ctx, opts.Output, settings)
		if err != nil {
			return fmt.Errorf("open mp3 stream: %w", err)
		}
		res.stream = stream
		sink = stream
	} else {
		f, err := os.CreateTemp(r.TempDir, "audiobook-*.pcm")
		if err != nil {
			return fmt.Errorf("create spool file: %w", err)
		}
		res.spool, res.spoolPath = f, f.Name()
		spoolBuf = bufio.NewWriterSize(f, spoolBufferSize)
		sink = spoolBuf
	}

	if job.UseCheckpoint {
		if state == nil {
			hash, err := checkpoint.DocumentHash(opts.Input)
			if err != nil {
				return err
			}
			state = checkpoint.NewState(hash, job.CheckpointConfig(), total, job.ChapterStarts)
		}
		if err := r.Store.Save(ctx, job.CheckpointDir, state); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}

	sinkMode := "disk spooling"
	if useStream {
		sinkMode = "streaming MP3 export"
	}
	em.Info(fmt.Sprintf("Processing %d chunks with %s backend (%s pipeline + %s)",
		total, backend.Name(), job.PipelineMode, sinkMode))
	em.Phase(events.PhaseInference)

	result, err := r.synthesize(ctx, job, backend, sink, sampleRate, state)
	if err != nil {
		return err
	}
	if spoolBuf != nil {
		if err := spoolBuf.Flush(); err != nil {
			return fmt.Errorf("flush spool file: %w", err)
		}
		spool := res.spool
		res.spool = nil
		if err := spool.Close(); err != nil {
			return fmt.Errorf("close spool file: %w", err)
		}
	}

	em.Phase(events.PhaseConcatenating)
	em.Info("Concatenating audio segments...")
	var chapters []export.Chapter
	if opts.Format == "m4b" {
		chapters = export.ChapterRanges(job.ChapterStarts, result.ChunkSampleOffsets, result.TotalSamples)
	}

	em.Phase(events.PhaseExporting)
	switch {
	case opts.Format == "m4b":
		meta := export.Metadata{
			Title:     job.Metadata.Title,
			Author:    job.Metadata.Author,
			Cover:     job.Metadata.Cover,
			CoverMIME: job.Metadata.CoverMIME,
		}
		if err := r.Muxer.ExportM4B(ctx, res.spoolPath, opts.Output, meta, chapters, settings); err != nil {
			return err
		}
	case useStream:
		if err := res.stream.Close(); err != nil {
			return err
		}
		res.stream = nil
	default:
		if err := r.Muxer.ExportMP3(ctx, res.spoolPath, opts.Output, settings); err != nil {
			return err
		}
	}

	if job.UseCheckpoint {
		if err := r.Store.Cleanup(job.CheckpointDir); err != nil {
			return err
		}
		em.Checkpoint(events.CheckpointCleaned, "")
	}

	em.Done(opts.Output, total)
	em.Info("Done.")
	em.Info("Output: " + opts.Output)
	em.Info(fmt.Sprintf("Chunks: %d", total))
	em.Info(fmt.Sprintf("Average chunk time: %.2fs", result.AverageInferenceTime().Seconds()))
	log.Info("job finished",
		slog.String("output", opts.Output),
		slog.Int("chunks", total),
		slog.Int64("samples", result.TotalSamples))
	return nil
}

func (r *Runner) synthesize(ctx context.Context, job *PreparedJob, backend tts.Backend, sink io.Writer, sampleRate int, state *checkpoint.State) (pipeline.Result, error) {
	opts := job.Options
	syn := pipeline.Synthesis{
		Chunks:            job.Chunks,
		Backend:           backend,
		Voice:             opts.Voice,
		Speed:             opts.Speed,
		SplitPattern:      opts.SplitPattern,
		Emitter:           r.Emitter,
		Sink:              sink,
		HeartbeatInterval: r.heartbeatInterval(),
		Recorder:          r.Recorder,
	}
	if job.PipelineMode == ModeOverlapped {
		return pipeline.RunOverlapped(ctx, pipeline.OverlappedConfig{
			Synthesis:      syn,
			PrefetchChunks: opts.PrefetchChunks,
			PCMQueueSize:   opts.PCMQueueSize,
		})
	}
	cfg := pipeline.SequentialConfig{
		Synthesis:  syn,
		SampleRate: sampleRate,
		Resume:     opts.Resume,
	}
	if state != nil {
		cfg.Store = r.Store
		cfg.CheckpointDir = job.CheckpointDir
		cfg.State = state
	}
	return pipeline.RunSequential(ctx, cfg)
}
