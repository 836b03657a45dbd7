package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	"github.com/loqalabs/loqa-audiobook/internal/epub"
	"github.com/loqalabs/loqa-audiobook/internal/export"
)

// ErrNoChunks is returned when the book produced no text to synthesize.
var ErrNoChunks = errors.New("no text chunks produced from EPUB")

// PreparedJob is the resolved plan for one run.
type PreparedJob struct {
	Options       Options
	CheckpointDir string
	UseCheckpoint bool
	Backend       string
	Device        string
	ChunkChars    int
	PipelineMode  string

	Book          *epub.Book
	Chunks        []chunker.Chunk
	ChapterStarts []chunker.ChapterStart
	TotalChars    int
	Metadata      epub.Metadata

	// Checkpoint is set when inspection was requested.
	Checkpoint *checkpoint.Inspection
	Warnings   []string
}

// CheckpointConfig is the fingerprinted configuration of this plan.
func (p *PreparedJob) CheckpointConfig() checkpoint.Config {
	return p.Options.checkpointConfig(p.Backend, p.Device, p.ChunkChars)
}

// PrepareOptions tunes Prepare.
type PrepareOptions struct {
	InspectCheckpoint bool
	Progress          epub.ProgressFunc
}

// Preparer turns options into a PreparedJob.
type Preparer struct {
	Resolver *Resolver
	Store    *checkpoint.Store
	// Parse defaults to epub.Parse.
	Parse func(path string, progress epub.ProgressFunc) (*epub.Book, error)
}

// Prepare resolves policy, parses and chunks the book and, if asked,
// inspects an existing checkpoint against the new plan.
func (p *Preparer) Prepare(ctx context.Context, opts Options, popts PrepareOptions) (*PreparedJob, error) {
	parse := p.Parse
	if parse == nil {
		parse = epub.Parse
	}

	job := &PreparedJob{
		Options:       opts,
		CheckpointDir: p.Store.Dir(opts.Output),
		UseCheckpoint: opts.UseCheckpoint(),
	}
	job.Backend = p.Resolver.ResolveBackend(ctx, opts.Backend)
	device, deviceWarnings := p.Resolver.ResolveDevice(opts.Device, job.Backend)
	job.Device = device
	job.ChunkChars = opts.ChunkChars
	if job.ChunkChars == 0 {
		job.ChunkChars = p.Resolver.DefaultChunkChars(job.Backend)
	}
	mode, modeWarnings := ResolvePipelineMode(opts.PipelineMode, opts.Format, job.UseCheckpoint)
	job.PipelineMode = mode
	job.Warnings = append(job.Warnings, deviceWarnings...)
	job.Warnings = append(job.Warnings, modeWarnings...)
	job.Warnings = append(job.Warnings, p.Resolver.HostWarnings(opts, job.Backend, job.ChunkChars)...)

	book, err := parse(opts.Input, popts.Progress)
	if err != nil {
		return nil, fmt.Errorf("parse epub: %w", err)
	}
	job.Book = book
	job.Chunks, job.ChapterStarts = chunker.Split(book.ChunkerSections(), job.ChunkChars)
	job.TotalChars = chunker.TotalChars(job.Chunks)
	if len(job.Chunks) == 0 {
		return nil, ErrNoChunks
	}

	job.Metadata = book.Metadata
	if opts.Format == "m4b" {
		meta, err := applyMetadataOverrides(book.Metadata, opts)
		if err != nil {
			return nil, err
		}
		job.Metadata = meta
	}

	if popts.InspectCheckpoint {
		insp, err := p.Store.Inspect(ctx, job.CheckpointDir, opts.Input, job.CheckpointConfig(), len(job.Chunks))
		if err != nil {
			return nil, fmt.Errorf("inspect checkpoint: %w", err)
		}
		if insp.MissingArtifacts == nil {
			insp.MissingArtifacts = []int{}
		}
		job.Checkpoint = &insp
		if n := len(insp.MissingArtifacts); n > 0 {
			job.Warnings = append(job.Warnings, fmt.Sprintf(
				"Checkpoint is missing %d saved chunk audio file(s); those chunks will be regenerated.", n))
		}
	}
	return job, nil
}

func applyMetadataOverrides(meta epub.Metadata, opts Options) (epub.Metadata, error) {
	if opts.Title != "" {
		meta.Title = opts.Title
	}
	if opts.Author != "" {
		meta.Author = opts.Author
	}
	if opts.Cover != "" {
		path, err := filepath.Abs(opts.Cover)
		if err != nil {
			return meta, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return meta, fmt.Errorf("cover override file not found: %s", path)
			}
			return meta, fmt.Errorf("read cover override: %w", err)
		}
		meta.Cover = data
		meta.CoverMIME = export.CoverMIMEFromPath(path)
	}
	return meta, nil
}
