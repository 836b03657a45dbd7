package tts

import (
	"context"
	"encoding/binary"
	"math"
)

// Request contains parameters to synthesize one chunk of text.
type Request struct {
	Text         string
	Voice        string
	Speed        float64
	SplitPattern string
}

// InitOptions selects the language pack and compute device of a backend.
type InitOptions struct {
	LangCode string
	Device   string
}

// Audio is one raw buffer yielded by a backend. Exactly one of Samples
// (float, nominally in [-1, 1]) or PCM (signed 16-bit little endian) is set.
type Audio struct {
	Samples []float32
	PCM     []byte
}

// Backend is the contract for producing speech. Generate streams buffers in
// synthesis order and closes both channels when finished; implementations
// must stop sending once ctx is cancelled.
type Backend interface {
	Name() string
	SampleRate() int
	Initialize(ctx context.Context, opts InitOptions) error
	Generate(ctx context.Context, req Request) (<-chan Audio, <-chan error)
	Cleanup() error
}

// PCM16 returns the buffer as mono signed 16-bit little endian bytes. Float
// samples are clipped to [-1, 1] and scaled by 32767.
func (a Audio) PCM16() []byte {
	if a.PCM != nil {
		return a.PCM
	}
	out := make([]byte, len(a.Samples)*2)
	for i, s := range a.Samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// SampleCount reports the number of mono samples in the buffer.
func (a Audio) SampleCount() int {
	if a.PCM != nil {
		return len(a.PCM) / 2
	}
	return len(a.Samples)
}

// Drain consumes a Generate result, calling fn for every buffer in order.
// It returns the first error from the backend, from fn, or from ctx.
func Drain(ctx context.Context, audio <-chan Audio, errs <-chan error, fn func(Audio) error) error {
	for audio != nil || errs != nil {
		select {
		case buf, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := fn(buf); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func float32FromLE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
