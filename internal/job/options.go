// Package job prepares and runs one EPUB to audiobook conversion: it resolves
// backend policy for the host, plans the chunks, manages the checkpoint, runs
// the synthesis pipeline and hands the audio to the muxer.
package job

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/config"
)

// Pipeline modes.
const (
	ModeSequential = "sequential"
	ModeOverlapped = "overlapped"
)

// Options are the per-run settings, built from configuration and flags.
type Options struct {
	Input  string
	Output string

	Voice          string
	LangCode       string
	Speed          float64
	ChunkChars     int // 0 selects the backend default
	SplitPattern   string
	Backend        string
	Device         string
	Format         string
	Bitrate        string
	Normalize      bool
	PipelineMode   string
	PrefetchChunks int
	PCMQueueSize   int
	Workers        int

	Checkpoint bool
	Resume     bool
	// NoCheckpoint is accepted for compatibility and only produces a warning.
	NoCheckpoint bool

	Title  string
	Author string
	Cover  string

	ExtractMetadata bool
	InspectJob      bool
	CheckCheckpoint bool
}

// OptionsFromConfig seeds run options from the configured job defaults.
func OptionsFromConfig(cfg config.JobConfig) Options {
	return Options{
		Voice:          cfg.Voice,
		LangCode:       cfg.LangCode,
		Speed:          cfg.Speed,
		ChunkChars:     cfg.ChunkChars,
		SplitPattern:   cfg.SplitPattern,
		Backend:        cfg.Backend,
		Device:         cfg.Device,
		Format:         cfg.Format,
		Bitrate:        cfg.Bitrate,
		Normalize:      cfg.Normalize,
		PipelineMode:   cfg.PipelineMode,
		PrefetchChunks: cfg.PrefetchChunks,
		PCMQueueSize:   cfg.PCMQueueSize,
		Workers:        cfg.Workers,
	}
}

func (o Options) jobConfig() config.JobConfig {
	return config.JobConfig{
		Voice:          o.Voice,
		LangCode:       o.LangCode,
		Speed:          o.Speed,
		ChunkChars:     o.ChunkChars,
		SplitPattern:   o.SplitPattern,
		Backend:        o.Backend,
		Device:         o.Device,
		Format:         o.Format,
		Bitrate:        o.Bitrate,
		Normalize:      o.Normalize,
		PipelineMode:   o.PipelineMode,
		PrefetchChunks: o.PrefetchChunks,
		PCMQueueSize:   o.PCMQueueSize,
		Workers:        o.Workers,
	}
}

// Validate reports missing paths and out-of-range options before any
// resource is acquired.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Input) == "" {
		return errors.New("input path is required")
	}
	if strings.TrimSpace(o.Output) == "" {
		return errors.New("output path is required")
	}
	return config.ValidateJob(o.jobConfig())
}

// UseCheckpoint reports whether progress is persisted. Resuming implies it.
func (o Options) UseCheckpoint() bool { return o.Checkpoint || o.Resume }

// JobID names the job in events: the output file's base name.
func (o Options) JobID() string {
	base := filepath.Base(o.Output)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "job"
	}
	return base
}

// checkpointConfig lists the options that change the produced audio, with
// policy already resolved.
func (o Options) checkpointConfig(backend, device string, chunkChars int) checkpoint.Config {
	return checkpoint.Config{
		Voice:        o.Voice,
		Speed:        o.Speed,
		LangCode:     o.LangCode,
		Backend:      backend,
		Device:       device,
		ChunkChars:   chunkChars,
		SplitPattern: o.SplitPattern,
		Format:       o.Format,
		Bitrate:      o.Bitrate,
		Normalize:    o.Normalize,
	}.Normalized()
}
