package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ChunkRecorder turns chunk lifecycle callbacks into spans and metrics.
type ChunkRecorder struct {
	tracer   trace.Tracer
	chunks   metric.Int64Counter
	samples  metric.Int64Counter
	duration metric.Float64Histogram
	job      attribute.KeyValue
}

func newChunkRecorder(tracer trace.Tracer, meter metric.Meter, jobID string) (*ChunkRecorder, error) {
	chunks, err := meter.Int64Counter("audiobook_chunks_total",
		metric.WithDescription("Chunks finished, by outcome"))
	if err != nil {
		return nil, err
	}
	samples, err := meter.Int64Counter("audiobook_samples_total",
		metric.WithDescription("PCM samples written to the sink"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("audiobook_chunk_duration_seconds",
		metric.WithDescription("Wall time spent on one chunk"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &ChunkRecorder{
		tracer:   tracer,
		chunks:   chunks,
		samples:  samples,
		duration: duration,
		job:      attribute.String("job_id", jobID),
	}, nil
}

// ChunkStarted opens a span for the chunk. The returned function ends it and
// records the outcome.
func (r *ChunkRecorder) ChunkStarted(ctx context.Context, index int) (context.Context, func(samples int, reused bool, err error)) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "chunk.synthesize",
		trace.WithAttributes(attribute.Int("chunk.index", index), r.job))

	return ctx, func(samples int, reused bool, err error) {
		outcome := "inferred"
		switch {
		case err != nil:
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case reused:
			outcome = "reused"
		}
		span.SetAttributes(attribute.Int("chunk.samples", samples), attribute.String("chunk.outcome", outcome))
		span.End()

		attrs := metric.WithAttributes(r.job, attribute.String("outcome", outcome))
		bg := context.WithoutCancel(ctx)
		r.chunks.Add(bg, 1, attrs)
		if samples > 0 {
			r.samples.Add(bg, int64(samples), metric.WithAttributes(r.job))
		}
		if !reused {
			r.duration.Record(bg, time.Since(start).Seconds(), attrs)
		}
	}
}
