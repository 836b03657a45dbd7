package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
)

// MockSampleRate is the default rate of the mock backend.
const MockSampleRate = 24000

var errNotInitialized = errors.New("backend not initialized")

type mockBackend struct {
	sampleRate int

	mu          sync.Mutex
	initialized bool
	langCode    string
}

// NewMock returns a fast, deterministic backend that renders each text segment
// as a short tone derived from its characters.
func NewMock(sampleRate int) Backend {
	if sampleRate <= 0 {
		sampleRate = MockSampleRate
	}
	return &mockBackend{sampleRate: sampleRate, langCode: "a"}
}

func (m *mockBackend) Name() string    { return "mock" }
func (m *mockBackend) SampleRate() int { return m.sampleRate }

func (m *mockBackend) Initialize(ctx context.Context, opts InitOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	if opts.LangCode != "" {
		m.langCode = opts.LangCode
	}
	return nil
}

func (m *mockBackend) Generate(ctx context.Context, req Request) (<-chan Audio, <-chan error) {
	audio := make(chan Audio, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(audio)
		defer close(errs)

		m.mu.Lock()
		ready := m.initialized
		m.mu.Unlock()
		if !ready {
			errs <- fmt.Errorf("mock: %w", errNotInitialized)
			return
		}

		segments, err := splitSegments(req.Text, req.SplitPattern)
		if err != nil {
			errs <- err
			return
		}
		for _, segment := range segments {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case audio <- Audio{PCM: m.tone(segment, req.Speed)}:
			}
		}
	}()
	return audio, errs
}

func (m *mockBackend) Cleanup() error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

func splitSegments(text, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = `\n+`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid split pattern %q: %w", pattern, err)
	}
	var segments []string
	for _, part := range re.Split(text, -1) {
		if s := strings.TrimSpace(part); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 && strings.TrimSpace(text) != "" {
		segments = []string{strings.TrimSpace(text)}
	}
	return segments, nil
}

// tone renders a decaying sine whose length scales with the segment length
// and inverse speed, and whose pitch and phase derive from the characters.
func (m *mockBackend) tone(segment string, speed float64) []byte {
	speed = math.Max(speed, 0.1)
	runes := []rune(segment)

	n := int(float64(len(runes)) * (160 / speed))
	n = max(480, min(48000, n))

	seed := 0
	for i, r := range runes {
		seed += (i + 1) * int(r)
	}
	seed %= 9973
	freq := float64(180 + seed%220)
	phase := float64(seed%360) * math.Pi / 180

	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		envelope := 0.9
		if n > 1 {
			envelope = 0.9 - 0.4*float64(i)/float64(n-1)
		}
		v := math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)+phase) * envelope * 12000
		v = math.Max(-32768, math.Min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
