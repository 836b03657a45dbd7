package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/events"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

// SequentialConfig configures RunSequential. Checkpointing is enabled when
// State is set; Store and CheckpointDir must then be set too.
type SequentialConfig struct {
	Synthesis

	SampleRate    int
	Store         CheckpointStore
	CheckpointDir string
	State         *checkpoint.State
	// Resume allows completed chunks in State to be reused from their
	// artifacts instead of being inferred again.
	Resume bool
}

type sequentialRun struct {
	cfg   *SequentialConfig
	total int
	res   Result
	pacer *events.Pacer
}

// RunSequential synthesizes every chunk in order on the calling goroutine.
// Any error aborts the run; the artifact of the chunk in flight is never
// committed.
func RunSequential(ctx context.Context, cfg SequentialConfig) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if cfg.State != nil && cfg.Store == nil {
		return Result{}, errors.New("checkpoint store is required when checkpointing")
	}

	run := &sequentialRun{
		cfg:   &cfg,
		total: len(cfg.Chunks),
		pacer: events.NewPacer(cfg.Emitter, cfg.HeartbeatInterval),
	}
	run.res.ChunkSampleOffsets = make([]int64, run.total)

	for idx := range cfg.Chunks {
		if err := ctx.Err(); err != nil {
			return run.res, err
		}
		run.res.ChunkSampleOffsets[idx] = run.res.TotalSamples

		reused, err := run.checkReuse(ctx, idx)
		if err != nil {
			return run.res, err
		}
		if !reused {
			elapsed, err := run.infer(ctx, idx)
			if err != nil {
				return run.res, err
			}
			run.res.InferenceTimes = append(run.res.InferenceTimes, elapsed)
			cfg.Emitter.Timing(idx, elapsed)
		}

		cfg.Emitter.Progress(idx+1, run.total)
		run.pacer.Tick()
	}

	if cfg.State != nil {
		run.res.CompletedChunks = cfg.State.CompletedIndices()
	} else {
		run.res.CompletedChunks = []int{}
	}
	return run.res, nil
}

// checkReuse replays a completed chunk from its artifact. A completed chunk
// whose artifact is gone is unmarked so it is inferred again.
func (r *sequentialRun) checkReuse(ctx context.Context, idx int) (bool, error) {
	cfg := r.cfg
	if cfg.State == nil || !cfg.Resume || !cfg.State.IsCompleted(idx) {
		return false, nil
	}

	pcm, found, err := cfg.Store.LoadArtifact(cfg.CheckpointDir, idx)
	if err != nil {
		_, finish := cfg.Recorder.ChunkStarted(ctx, idx)
		finish(0, true, err)
		return false, fmt.Errorf("load chunk %d artifact: %w", idx, err)
	}
	if !found {
		// Recorded once, by infer.
		cfg.State.Unmark(idx)
		if err := cfg.Store.Save(ctx, cfg.CheckpointDir, cfg.State); err != nil {
			return false, fmt.Errorf("save checkpoint: %w", err)
		}
		cfg.Emitter.Checkpoint(events.CheckpointMissingAudio, strconv.Itoa(idx))
		return false, nil
	}

	_, finish := cfg.Recorder.ChunkStarted(ctx, idx)
	if err := cfg.write(idx, pcm); err != nil {
		finish(0, true, err)
		return false, err
	}
	samples := len(pcm) / 2
	r.res.TotalSamples += int64(samples)
	finish(samples, true, nil)
	cfg.Emitter.Worker(workerID, events.WorkerEncode,
		fmt.Sprintf("Reused checkpoint chunk %d/%d", idx+1, r.total))
	cfg.Emitter.Checkpoint(events.CheckpointReused, strconv.Itoa(idx))
	return true, nil
}

// infer synthesizes one chunk, writing each buffer as it arrives. With
// checkpointing the chunk's PCM is also kept and committed as an artifact.
func (r *sequentialRun) infer(ctx context.Context, idx int) (elapsed time.Duration, err error) {
	cfg := r.cfg
	start := time.Now()
	cfg.Emitter.Worker(workerID, events.WorkerInfer, chunkLabel(idx, r.total))

	ctx, finish := cfg.Recorder.ChunkStarted(ctx, idx)
	samples := 0
	defer func() { finish(samples, false, err) }()

	var kept *bytes.Buffer
	if cfg.State != nil {
		kept = &bytes.Buffer{}
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	audio, errs := cfg.Backend.Generate(genCtx, cfg.request(cfg.Chunks[idx]))
	err = tts.Drain(genCtx, audio, errs, func(buf tts.Audio) error {
		pcm := buf.PCM16()
		if err := cfg.write(idx, pcm); err != nil {
			return err
		}
		n := len(pcm) / 2
		samples += n
		r.res.TotalSamples += int64(n)
		if kept != nil {
			kept.Write(pcm)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("synthesize chunk %d: %w", idx, err)
	}
	elapsed = time.Since(start)

	if kept != nil {
		if err = cfg.Store.SaveArtifact(cfg.CheckpointDir, idx, kept.Bytes(), cfg.SampleRate); err != nil {
			return 0, fmt.Errorf("save chunk %d artifact: %w", idx, err)
		}
		cfg.State.MarkCompleted(idx)
		if err = cfg.Store.Save(ctx, cfg.CheckpointDir, cfg.State); err != nil {
			return 0, fmt.Errorf("save checkpoint: %w", err)
		}
		cfg.Emitter.Checkpoint(events.CheckpointSaved, strconv.Itoa(idx))
	}
	return elapsed, nil
}
