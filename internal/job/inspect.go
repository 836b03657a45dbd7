package job

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/events"
)

// BookSummary is the metadata part of an inspection.
type BookSummary struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	HasCover bool   `json:"has_cover"`
}

// Inspection is the dry-run report of a job: the resolved policy, the plan
// size and whether an existing checkpoint could be resumed.
type Inspection struct {
	InputPath            string                `json:"input_path"`
	OutputPath           string                `json:"output_path"`
	ResolvedBackend      string                `json:"resolved_backend"`
	ResolvedDevice       string                `json:"resolved_device"`
	ResolvedChunkChars   int                   `json:"resolved_chunk_chars"`
	ResolvedPipelineMode string                `json:"resolved_pipeline_mode"`
	OutputFormat         string                `json:"output_format"`
	TotalChars           int                   `json:"total_chars"`
	TotalChunks          int                   `json:"total_chunks"`
	ChapterCount         int                   `json:"chapter_count"`
	Metadata             BookSummary           `json:"epub_metadata"`
	Checkpoint           checkpoint.Inspection `json:"checkpoint"`
	Warnings             []string              `json:"warnings"`
	Errors               []string              `json:"errors"`
}

// InspectJob prepares the job without running it.
func (p *Preparer) InspectJob(ctx context.Context, opts Options) (Inspection, error) {
	job, err := p.Prepare(ctx, opts, PrepareOptions{InspectCheckpoint: true})
	if err != nil {
		return Inspection{}, err
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return Inspection{
		InputPath:            opts.Input,
		OutputPath:           opts.Output,
		ResolvedBackend:      job.Backend,
		ResolvedDevice:       job.Device,
		ResolvedChunkChars:   job.ChunkChars,
		ResolvedPipelineMode: job.PipelineMode,
		OutputFormat:         opts.Format,
		TotalChars:           job.TotalChars,
		TotalChunks:          len(job.Chunks),
		ChapterCount:         len(job.Book.Sections),
		Metadata: BookSummary{
			Title:    job.Metadata.Title,
			Author:   job.Metadata.Author,
			HasCover: job.Metadata.HasCover(),
		},
		Checkpoint: *job.Checkpoint,
		Warnings:   warnings,
		Errors:     []string{},
	}, nil
}

// CheckCheckpoint reports the checkpoint for output as an event code and
// detail: NONE, INVALID:hash_mismatch or FOUND:<total>:<completed>.
func CheckCheckpoint(ctx context.Context, store *checkpoint.Store, input, output string) (code, detail string, err error) {
	state, err := store.Load(ctx, store.Dir(output))
	if err != nil {
		return "", "", fmt.Errorf("load checkpoint: %w", err)
	}
	if state == nil {
		return events.CheckpointNone, "", nil
	}
	hash, err := checkpoint.DocumentHash(input)
	if err != nil {
		return "", "", err
	}
	if state.DocumentHash != hash {
		return events.CheckpointInvalid, checkpoint.ReasonHashMismatch, nil
	}
	return events.CheckpointFound, fmt.Sprintf("%d:%d", state.TotalChunks, len(state.CompletedIndices())), nil
}
