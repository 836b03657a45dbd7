package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/events"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

// OverlappedConfig configures RunOverlapped.
type OverlappedConfig struct {
	Synthesis

	// PrefetchChunks sizes the inference queue at max(2, 2*PrefetchChunks).
	PrefetchChunks int
	// PCMQueueSize sizes the converted audio queue at max(2, PCMQueueSize).
	PCMQueueSize int
}

type messageKind int

const (
	kindStart messageKind = iota + 1
	kindAudio
	kindDone
	kindEnd
)

func (k messageKind) String() string {
	switch k {
	case kindStart:
		return "start"
	case kindAudio:
		return "audio"
	case kindDone:
		return "done"
	case kindEnd:
		return "end"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type message struct {
	kind    messageKind
	index   int
	audio   tts.Audio
	pcm     []byte
	elapsed time.Duration
}

// RunOverlapped runs inference, PCM conversion and sink writes on three
// goroutines joined by bounded queues, so the next chunk is inferred while
// the previous one is still being encoded. It does not checkpoint.
//
// A chunk that starts but never finishes, or a run that ends before every
// chunk is done, is an error.
func RunOverlapped(ctx context.Context, cfg OverlappedConfig) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	stageCtx, cancel := context.WithCancel(ctx)
	inferred := make(chan message, max(2, cfg.PrefetchChunks*2))
	converted := make(chan message, max(2, cfg.PCMQueueSize))
	errs := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		inferStage(stageCtx, &cfg.Synthesis, inferred, errs)
	}()
	go func() {
		defer wg.Done()
		convertStage(stageCtx, inferred, converted, errs)
	}()
	defer func() {
		cancel()
		joined := make(chan struct{})
		go func() {
			wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(joinTimeout):
		}
	}()

	c := newController(&cfg.Synthesis)
	return c.consume(ctx, converted, errs)
}

func send(ctx context.Context, ch chan<- message, msg message) bool {
	select {
	case ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func report(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

func inferStage(ctx context.Context, s *Synthesis, out chan<- message, errs chan<- error) {
	defer send(ctx, out, message{kind: kindEnd, index: -1})
	for idx, chunk := range s.Chunks {
		if !send(ctx, out, message{kind: kindStart, index: idx}) {
			return
		}
		start := time.Now()
		audio, genErrs := s.Backend.Generate(ctx, s.request(chunk))
		err := tts.Drain(ctx, audio, genErrs, func(buf tts.Audio) error {
			if !send(ctx, out, message{kind: kindAudio, index: idx, audio: buf}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			report(errs, fmt.Errorf("synthesize chunk %d: %w", idx, err))
			return
		}
		if !send(ctx, out, message{kind: kindDone, index: idx, elapsed: time.Since(start)}) {
			return
		}
	}
}

func convertStage(ctx context.Context, in <-chan message, out chan<- message, errs chan<- error) {
	defer send(ctx, out, message{kind: kindEnd, index: -1})
	for {
		var msg message
		select {
		case msg = <-in:
		case <-ctx.Done():
			return
		}
		switch msg.kind {
		case kindEnd:
			return
		case kindAudio:
			if len(msg.audio.PCM)%2 != 0 {
				report(errs, fmt.Errorf("chunk %d: pcm payload not aligned", msg.index))
				return
			}
			msg.pcm = msg.audio.PCM16()
			msg.audio = tts.Audio{}
		}
		if !send(ctx, out, msg) {
			return
		}
	}
}

// controller is the serialized writer. It owns the sink and all result
// bookkeeping.
type controller struct {
	s         *Synthesis
	total     int
	res       Result
	pacer     *events.Pacer
	started   []bool
	finishers map[int]func(int, bool, error)
	processed int
}

func newController(s *Synthesis) *controller {
	total := len(s.Chunks)
	return &controller{
		s:         s,
		total:     total,
		res:       Result{ChunkSampleOffsets: make([]int64, total), CompletedChunks: []int{}},
		pacer:     events.NewPacer(s.Emitter, s.HeartbeatInterval),
		started:   make([]bool, total),
		finishers: make(map[int]func(int, bool, error)),
	}
}

func (c *controller) consume(ctx context.Context, in <-chan message, errs <-chan error) (res Result, err error) {
	defer func() {
		if err != nil {
			for _, finish := range c.finishers {
				finish(0, false, err)
			}
		}
	}()

	timer := time.NewTimer(receiveTimeout)
	defer timer.Stop()
	for {
		select {
		case err := <-errs:
			return c.res, err
		default:
		}

		timer.Reset(receiveTimeout)
		var msg message
		select {
		case msg = <-in:
		case <-timer.C:
			c.pacer.Tick()
			continue
		case <-ctx.Done():
			return c.res, ctx.Err()
		}

		if msg.kind == kindEnd {
			break
		}
		if err := c.handle(ctx, msg); err != nil {
			return c.res, err
		}
	}

	select {
	case err := <-errs:
		return c.res, err
	default:
	}
	if c.processed < c.total {
		for idx, ok := range c.started {
			if _, pending := c.finishers[idx]; ok && pending {
				return c.res, fmt.Errorf("chunk %d started but did not finish", idx)
			}
		}
		return c.res, fmt.Errorf("pipeline ended after %d of %d chunks", c.processed, c.total)
	}
	return c.res, nil
}

func (c *controller) handle(ctx context.Context, msg message) error {
	idx := msg.index
	if idx < 0 || idx >= c.total {
		return fmt.Errorf("invalid chunk index %d in %s message", idx, msg.kind)
	}
	switch msg.kind {
	case kindStart:
		c.begin(ctx, idx)
		c.s.Emitter.Worker(workerID, events.WorkerInfer, chunkLabel(idx, c.total))
	case kindAudio:
		if !c.started[idx] {
			c.begin(ctx, idx)
		}
		if err := c.s.write(idx, msg.pcm); err != nil {
			return err
		}
		c.res.TotalSamples += int64(len(msg.pcm) / 2)
	case kindDone:
		if !c.started[idx] {
			return fmt.Errorf("chunk %d finished before it started", idx)
		}
		if finish, ok := c.finishers[idx]; ok {
			finish(int(c.res.TotalSamples-c.res.ChunkSampleOffsets[idx]), false, nil)
			delete(c.finishers, idx)
		}
		c.res.InferenceTimes = append(c.res.InferenceTimes, msg.elapsed)
		c.s.Emitter.Worker(workerID, events.WorkerEncode, chunkLabel(idx, c.total))
		c.s.Emitter.Timing(idx, msg.elapsed)
		c.processed++
		c.s.Emitter.Progress(c.processed, c.total)
		c.pacer.Tick()
	default:
		return fmt.Errorf("unknown pipeline message %s", msg.kind)
	}
	return nil
}

func (c *controller) begin(ctx context.Context, idx int) {
	c.res.ChunkSampleOffsets[idx] = c.res.TotalSamples
	c.started[idx] = true
	_, finish := c.s.Recorder.ChunkStarted(ctx, idx)
	c.finishers[idx] = finish
}
