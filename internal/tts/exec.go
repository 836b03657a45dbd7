package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
)

const (
	defaultInitTimeout = 2 * time.Minute
	workerCloseTimeout = 5 * time.Second
	stderrTailBytes    = 4096
)

// ExecOptions configures a persistent synthesis worker process.
type ExecOptions struct {
	// Name is reported by Backend.Name, e.g. "pytorch" or "mlx".
	Name        string
	Command     string
	InitTimeout time.Duration
}

// execBackend drives a long-lived worker over newline-delimited JSON. The
// worker prints a ready line after loading its model, then answers each
// request line with one or more audio lines, the last marked final.
type execBackend struct {
	name        string
	argv        []string
	initTimeout time.Duration

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	dec        *json.Decoder
	stderr     *tailBuffer
	sampleRate int
	broken     error
}

type workerReady struct {
	Ready      bool   `json:"ready"`
	SampleRate int    `json:"sample_rate"`
	Error      string `json:"error"`
}

type workerRequest struct {
	ID           string  `json:"id"`
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	SplitPattern string  `json:"split_pattern"`
}

type workerResponse struct {
	ID        string `json:"id"`
	PCMBase64 string `json:"pcm_base64"`
	Encoding  string `json:"encoding"` // s16le (default) or f32le
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

// NewExec parses the worker command line. The process is not started until
// Initialize.
func NewExec(opts ExecOptions) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse %s worker command: %w", opts.Name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s worker command empty", opts.Name)
	}
	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	return &execBackend{name: opts.Name, argv: args, initTimeout: timeout}, nil
}

func (e *execBackend) Name() string { return e.name }

func (e *execBackend) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sampleRate <= 0 {
		return MockSampleRate
	}
	return e.sampleRate
}

func (e *execBackend) Initialize(ctx context.Context, opts InitOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return nil
	}

	args := append([]string{}, e.argv[1:]...)
	if opts.LangCode != "" {
		args = append(args, "--lang-code", opts.LangCode)
	}
	if opts.Device != "" {
		args = append(args, "--device", opts.Device)
	}
	cmd := exec.Command(e.argv[0], args...)
	cmd.Env = append(os.Environ(), "PYTORCH_ENABLE_MPS_FALLBACK=1")
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s worker: %w", e.name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, e.initTimeout)
	defer cancel()
	stop := context.AfterFunc(initCtx, func() { _ = cmd.Process.Kill() })

	dec := json.NewDecoder(stdout)
	var ready workerReady
	decodeErr := dec.Decode(&ready)
	if !stop() || decodeErr != nil || !ready.Ready {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		msg := strings.TrimSpace(ready.Error)
		if msg == "" {
			msg = strings.TrimSpace(stderr.String())
		}
		if initCtx.Err() != nil {
			if msg == "" {
				msg = initCtx.Err().Error()
			}
			return fmt.Errorf("%s worker did not become ready: %s", e.name, msg)
		}
		if msg == "" && decodeErr != nil {
			msg = decodeErr.Error()
		}
		return fmt.Errorf("%s worker failed to start: %s", e.name, msg)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.dec = dec
	e.stderr = stderr
	e.sampleRate = ready.SampleRate
	e.broken = nil
	return nil
}

func (e *execBackend) Generate(ctx context.Context, req Request) (<-chan Audio, <-chan error) {
	audio := make(chan Audio)
	errs := make(chan error, 1)
	go func() {
		defer close(audio)
		defer close(errs)
		if err := e.generate(ctx, req, audio); err != nil {
			errs <- err
		}
	}()
	return audio, errs
}

func (e *execBackend) generate(ctx context.Context, req Request, out chan<- Audio) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return fmt.Errorf("%s: %w", e.name, errNotInitialized)
	}
	if e.broken != nil {
		return fmt.Errorf("%s worker unusable: %w", e.name, e.broken)
	}

	cmd := e.cmd
	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	id := uuid.NewString()
	line, err := json.Marshal(workerRequest{
		ID:           id,
		Text:         req.Text,
		Voice:        req.Voice,
		Speed:        req.Speed,
		SplitPattern: req.SplitPattern,
	})
	if err != nil {
		return err
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		return e.fail(ctx, fmt.Errorf("write request: %w", err))
	}

	for {
		var resp workerResponse
		if err := e.dec.Decode(&resp); err != nil {
			return e.fail(ctx, fmt.Errorf("read response: %w", err))
		}
		if resp.ID != id {
			return e.fail(ctx, fmt.Errorf("worker out of sync (got %q, expected %q)", resp.ID, id))
		}
		if msg := strings.TrimSpace(resp.Error); msg != "" {
			return fmt.Errorf("%s synthesis failed: %s", e.name, msg)
		}
		if resp.PCMBase64 != "" {
			buf, err := decodeAudio(resp.PCMBase64, resp.Encoding)
			if err != nil {
				return e.fail(ctx, err)
			}
			select {
			case out <- buf:
			case <-ctx.Done():
				return e.fail(ctx, ctx.Err())
			}
		}
		if resp.Final {
			return nil
		}
	}
}

// fail marks the worker as unusable after a protocol or I/O error. A request
// abandoned mid-stream leaves unread lines behind, so the process cannot be
// reused either way.
func (e *execBackend) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	e.broken = err
	if tail := strings.TrimSpace(e.stderr.String()); tail != "" && ctx.Err() == nil {
		return fmt.Errorf("%s worker: %w (stderr: %s)", e.name, err, tail)
	}
	return fmt.Errorf("%s worker: %w", e.name, err)
}

func (e *execBackend) Cleanup() error {
	e.mu.Lock()
	cmd := e.cmd
	stdin := e.stdin
	e.cmd = nil
	e.stdin = nil
	e.dec = nil
	e.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(workerCloseTimeout):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("%s worker did not exit within %s; killed", e.name, workerCloseTimeout)
	}
}

func decodeAudio(payload, encoding string) (Audio, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Audio{}, fmt.Errorf("decode pcm_base64: %w", err)
	}
	switch encoding {
	case "", "s16le":
		if len(raw)%2 != 0 {
			return Audio{}, errors.New("s16le payload has odd length")
		}
		return Audio{PCM: raw}, nil
	case "f32le":
		if len(raw)%4 != 0 {
			return Audio{}, errors.New("f32le payload length not a multiple of 4")
		}
		samples := make([]float32, len(raw)/4)
		for i := range samples {
			samples[i] = float32FromLE(raw[i*4:])
		}
		return Audio{Samples: samples}, nil
	default:
		return Audio{}, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
