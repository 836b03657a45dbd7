// Package pipeline drives chunk synthesis: it feeds text chunks to a TTS
// backend in order, writes the converted PCM to a single sink and records
// where every chunk begins in the output stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	"github.com/loqalabs/loqa-audiobook/internal/events"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

// ErrWriterUnavailable is returned when no PCM sink was provided.
var ErrWriterUnavailable = errors.New("audio writer is not available")

const (
	defaultHeartbeatInterval = 5 * time.Second
	receiveTimeout           = 250 * time.Millisecond
	joinTimeout              = 2 * time.Second
	workerID                 = "0"
)

// Result describes the audio produced by one run.
type Result struct {
	// ChunkSampleOffsets[i] is the sample position at which chunk i begins.
	ChunkSampleOffsets []int64
	TotalSamples       int64
	// InferenceTimes holds one entry per chunk that was actually inferred.
	InferenceTimes  []time.Duration
	CompletedChunks []int
}

// AverageInferenceTime returns the mean of InferenceTimes, or zero.
func (r Result) AverageInferenceTime() time.Duration {
	if len(r.InferenceTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.InferenceTimes {
		sum += d
	}
	return sum / time.Duration(len(r.InferenceTimes))
}

// CheckpointStore is the part of the checkpoint store the runners use.
type CheckpointStore interface {
	LoadArtifact(dir string, index int) ([]byte, bool, error)
	SaveArtifact(dir string, index int, pcm []byte, sampleRate int) error
	Save(ctx context.Context, dir string, state *checkpoint.State) error
}

// Recorder observes chunk synthesis for tracing and metrics. The returned
// function is called exactly once when the chunk finishes.
type Recorder interface {
	ChunkStarted(ctx context.Context, index int) (context.Context, func(samples int, reused bool, err error))
}

type nopRecorder struct{}

func (nopRecorder) ChunkStarted(ctx context.Context, _ int) (context.Context, func(int, bool, error)) {
	return ctx, func(int, bool, error) {}
}

// Synthesis holds the settings shared by both runners.
type Synthesis struct {
	Chunks       []chunker.Chunk
	Backend      tts.Backend
	Voice        string
	Speed        float64
	SplitPattern string
	Emitter      *events.Emitter
	// Sink receives mono signed 16-bit little endian PCM in chunk order.
	Sink io.Writer
	// HeartbeatInterval defaults to five seconds.
	HeartbeatInterval time.Duration
	Recorder          Recorder
}

func (s *Synthesis) validate() error {
	if s.Sink == nil {
		return ErrWriterUnavailable
	}
	if s.Backend == nil {
		return errors.New("tts backend is required")
	}
	if s.Emitter == nil {
		return errors.New("event emitter is required")
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = defaultHeartbeatInterval
	}
	if s.Recorder == nil {
		s.Recorder = nopRecorder{}
	}
	return nil
}

func (s *Synthesis) request(chunk chunker.Chunk) tts.Request {
	return tts.Request{Text: chunk.Text, Voice: s.Voice, Speed: s.Speed, SplitPattern: s.SplitPattern}
}

func (s *Synthesis) write(index int, pcm []byte) error {
	if _, err := s.Sink.Write(pcm); err != nil {
		return fmt.Errorf("write chunk %d audio: %w", index, err)
	}
	return nil
}

func chunkLabel(index, total int) string {
	return fmt.Sprintf("Chunk %d/%d", index+1, total)
}
