package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Stream is a live MP3 encoder fed through ffmpeg's stdin.
type Stream struct {
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stderr       *tailBuffer
	closeTimeout time.Duration

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error

	mu     sync.Mutex
	closed bool
}

// OpenStream starts an encoder that writes outputPath as PCM arrives.
func (m *Muxer) OpenStream(ctx context.Context, outputPath string, s Settings) (*Stream, error) {
	args := append(append([]string{}, m.argv[1:]...), mp3Args(pcmInputArgs("pipe:0", s.SampleRate), s, outputPath)...)
	cmd := exec.CommandContext(ctx, m.argv[0], args...)
	stderr := &tailBuffer{limit: 16 << 10}
	cmd.Stderr = stderr
	cmd.WaitDelay = m.closeTimeout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &MuxError{Stage: "mp3 stream", Err: err}
	}
	return &Stream{
		cmd:          cmd,
		stdin:        stdin,
		stderr:       stderr,
		closeTimeout: m.closeTimeout,
		waitDone:     make(chan struct{}),
	}, nil
}

// Write feeds PCM to the encoder.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.stdin.Write(p)
	if err != nil {
		return n, &MuxError{Stage: "mp3 stream", Stderr: s.stderr.String(), Err: err}
	}
	return n, nil
}

func (s *Stream) wait() {
	s.waitOnce.Do(func() {
		go func() {
			s.waitErr = s.cmd.Wait()
			close(s.waitDone)
		}()
	})
}

func (s *Stream) closeInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.stdin.Close()
	}
}

// Close ends the input and waits for the encoder to finish the file. A
// non-zero exit is returned as a *MuxError carrying ffmpeg's stderr.
func (s *Stream) Close() error {
	s.closeInput()
	s.wait()
	select {
	case <-s.waitDone:
	case <-time.After(s.closeTimeout):
		_ = s.cmd.Process.Kill()
		<-s.waitDone
		return &MuxError{Stage: "mp3 stream", Stderr: s.stderr.String(),
			Err: fmt.Errorf("encoder did not exit within %s", s.closeTimeout)}
	}
	if s.waitErr != nil {
		return &MuxError{Stage: "mp3 stream", Stderr: s.stderr.String(), Err: s.waitErr}
	}
	return nil
}

// Terminate stops an encoder that is still running: input is closed, the
// process gets closeTimeout to exit and is then killed. It is a no-op after a
// completed Close.
func (s *Stream) Terminate() error {
	if s == nil {
		return nil
	}
	s.closeInput()
	s.wait()
	select {
	case <-s.waitDone:
		return nil
	case <-time.After(s.closeTimeout):
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill ffmpeg: %w", err)
	}
	select {
	case <-s.waitDone:
	case <-time.After(s.closeTimeout):
	}
	return nil
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
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
