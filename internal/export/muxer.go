// Package export muxes spooled or streamed PCM into MP3 or M4B containers
// with ffmpeg.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

const loudnormFilter = "loudnorm=I=-14:TP=-1:LRA=11"

// MuxError is a failed ffmpeg invocation with its captured diagnostics.
type MuxError struct {
	Stage  string
	Stderr string
	Err    error
}

func (e *MuxError) Error() string {
	msg := fmt.Sprintf("ffmpeg %s failed: %v", e.Stage, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *MuxError) Unwrap() error { return e.Err }

// Settings are the encoding options shared by every export path.
type Settings struct {
	SampleRate int
	Bitrate    string
	Normalize  bool
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Muxer runs ffmpeg. The configured command may carry extra leading
// arguments, e.g. "ffmpeg -nostdin -hide_banner".
type Muxer struct {
	argv         []string
	runner       commandRunner
	closeTimeout time.Duration
	log          *slog.Logger
}

func NewMuxer(command string, closeTimeout time.Duration, log *slog.Logger) (*Muxer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("ffmpeg not found (%s): %w", args[0], err)
	}
	if closeTimeout <= 0 {
		closeTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Muxer{argv: args, runner: &execRunner{}, closeTimeout: closeTimeout, log: log}, nil
}

func pcmInputArgs(input string, sampleRate int) []string {
	return []string{"-f", "s16le", "-ar", strconv.Itoa(sampleRate), "-ac", "1", "-i", input}
}

func silentInputArgs(sampleRate int) []string {
	return []string{"-f", "lavfi", "-t", "0.1", "-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", sampleRate)}
}

func mp3Args(input []string, s Settings, outputPath string) []string {
	args := append([]string{}, input...)
	if s.Normalize {
		args = append(args, "-af", loudnormFilter)
	}
	return append(args, "-b:a", s.Bitrate, "-y", outputPath)
}

func m4bArgs(input []string, metadataFile, coverFile string, s Settings, outputPath string) []string {
	args := append([]string{}, input...)
	args = append(args, "-i", metadataFile)
	if coverFile != "" {
		args = append(args, "-i", coverFile)
	}
	args = append(args, "-map", "0:a", "-map_metadata", "1")
	if coverFile != "" {
		args = append(args, "-map", "2:v", "-c:v", "copy", "-disposition:v:0", "attached_pic")
	}
	if s.Normalize {
		args = append(args, "-af", loudnormFilter)
	}
	return append(args, "-c:a", "aac", "-b:a", s.Bitrate, "-movflags", "+faststart", "-y", outputPath)
}

func (m *Muxer) run(ctx context.Context, stage string, args []string) error {
	full := append(append([]string{}, m.argv[1:]...), args...)
	m.log.Debug("running ffmpeg", slog.String("stage", stage), slog.String("args", strings.Join(full, " ")))
	res, err := m.runner.Run(ctx, m.argv[0], full...)
	if err != nil {
		return &MuxError{Stage: stage, Stderr: res.Stderr, Err: err}
	}
	return nil
}

func hasAudio(pcmPath string) bool {
	info, err := os.Stat(pcmPath)
	return err == nil && info.Size() > 0
}

// ExportMP3 encodes a spooled PCM file. An empty or missing spool produces a
// short silent file.
func (m *Muxer) ExportMP3(ctx context.Context, pcmPath, outputPath string, s Settings) error {
	input := silentInputArgs(s.SampleRate)
	if hasAudio(pcmPath) {
		input = pcmInputArgs(pcmPath, s.SampleRate)
	}
	return m.run(ctx, "mp3 export", mp3Args(input, s, outputPath))
}

// ExportM4B encodes a spooled PCM file into an AAC container with chapter
// markers and an optional attached cover.
func (m *Muxer) ExportM4B(ctx context.Context, pcmPath, outputPath string, meta Metadata, chapters []Chapter, s Settings) error {
	var temps []string
	defer func() {
		for _, p := range temps {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.log.Warn("remove temp file failed", slog.String("path", p), slog.String("error", err.Error()))
			}
		}
	}()

	metaFile, err := writeTemp("audiobook_meta_*.txt", []byte(GenerateFFMetadata(meta, chapters, s.SampleRate)))
	if err != nil {
		return err
	}
	temps = append(temps, metaFile)

	coverFile := ""
	if meta.Cover != nil {
		coverFile, err = writeTemp("audiobook_cover_*"+coverSuffix(meta.CoverMIME), meta.Cover)
		if err != nil {
			return err
		}
		temps = append(temps, coverFile)
	}

	input := silentInputArgs(s.SampleRate)
	if hasAudio(pcmPath) {
		input = pcmInputArgs(pcmPath, s.SampleRate)
	}
	return m.run(ctx, "m4b export", m4bArgs(input, metaFile, coverFile, s, outputPath))
}

func writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}
