package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	goruntime "runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

const (
	lowMemoryAppleThreshold    = 8 << 30
	lowMemoryPyTorchChunkChars = 400
	fallbackChunkChars         = 600
	memoryProbeTimeout         = 2 * time.Second
	forceLowMemoryEnv          = "AUDIOBOOK_FORCE_LOW_MEMORY_APPLE"
)

// Chunk sizes measured to give the best throughput per backend.
var defaultChunkChars = map[string]int{
	"mlx":     900,
	"pytorch": 600,
}

// HostProfile is a snapshot of the machine facts that drive backend policy.
type HostProfile struct {
	AppleSilicon   bool
	TotalMemory    uint64 // bytes; 0 when unknown
	LowMemoryApple bool
}

// DetectHost inspects the current machine. Memory is read with a bounded
// sysctl probe on macOS. AUDIOBOOK_FORCE_LOW_MEMORY_APPLE overrides the
// low-memory decision in either direction.
func DetectHost(ctx context.Context) HostProfile {
	p := HostProfile{AppleSilicon: goruntime.GOOS == "darwin" && goruntime.GOARCH == "arm64"}
	if goruntime.GOOS == "darwin" {
		p.TotalMemory = probeMemory(ctx)
	}
	p.LowMemoryApple = p.AppleSilicon && p.TotalMemory > 0 && p.TotalMemory <= lowMemoryAppleThreshold
	if forced, ok := parseEnvBool(os.Getenv(forceLowMemoryEnv)); ok {
		p.LowMemoryApple = forced
	}
	return p
}

func probeMemory(ctx context.Context) uint64 {
	ctx, cancel := context.WithTimeout(ctx, memoryProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseEnvBool(v string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// ProbeFunc checks that the MLX runtime works on this host.
type ProbeFunc func(ctx context.Context) error

// CommandProbe returns a ProbeFunc that runs command with a timeout.
func CommandProbe(command string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) error {
		return tts.Probe(ctx, command, timeout)
	}
}

// Resolver applies backend, device and chunking policy for one host. The
// auto backend choice is probed at most once and then reused.
type Resolver struct {
	host  HostProfile
	probe ProbeFunc
	log   *slog.Logger

	mu   sync.Mutex
	auto string
}

// NewResolver builds a resolver. A nil probe means MLX is never selected
// automatically.
func NewResolver(host HostProfile, probe ProbeFunc, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{host: host, probe: probe, log: log}
}

func (r *Resolver) Host() HostProfile { return r.host }

// ResolveBackend turns "auto" into a concrete backend. MLX is chosen only on
// Apple Silicon hosts with enough memory where the probe succeeds.
func (r *Resolver) ResolveBackend(ctx context.Context, requested string) string {
	if requested != "auto" {
		return requested
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.auto != "" {
		return r.auto
	}

	r.auto = "pytorch"
	if r.host.AppleSilicon && !r.host.LowMemoryApple && r.probe != nil {
		if err := r.probe(ctx); err != nil {
			r.log.Info("mlx probe failed, using pytorch", slog.String("error", err.Error()))
		} else {
			r.auto = "mlx"
		}
	}
	r.log.Debug("auto backend resolved", slog.String("backend", r.auto))
	return r.auto
}

// ResolveDevice picks the compute device for a resolved backend and
// returns warnings for requests that are ignored.
func (r *Resolver) ResolveDevice(requested, backend string) (string, []string) {
	switch backend {
	case "mlx":
		if requested != "auto" {
			return "mlx", []string{fmt.Sprintf("--device=%s is ignored for MLX backend.", requested)}
		}
		return "mlx", nil
	case "mock":
		if requested != "auto" {
			return "cpu", []string{fmt.Sprintf("--device=%s is ignored for mock backend.", requested)}
		}
		return "cpu", nil
	}
	if requested != "auto" {
		return requested, nil
	}
	switch {
	case r.host.LowMemoryApple:
		return "cpu", nil
	case r.host.AppleSilicon:
		return "mps", nil
	}
	return "auto", nil
}

// DefaultChunkChars is the chunk size used when none is configured.
func (r *Resolver) DefaultChunkChars(backend string) int {
	if backend == "pytorch" && r.host.LowMemoryApple {
		return lowMemoryPyTorchChunkChars
	}
	if n, ok := defaultChunkChars[backend]; ok {
		return n
	}
	return fallbackChunkChars
}

// ResolvePipelineMode allows the overlapped pipeline only for streamed MP3
// output, where no checkpoint is written.
func ResolvePipelineMode(requested, format string, useCheckpoint bool) (string, []string) {
	if requested == "" {
		requested = ModeSequential
	}
	if requested == ModeOverlapped && (format != "mp3" || useCheckpoint) {
		return ModeSequential, []string{
			"--pipeline-mode=overlapped is currently supported only for MP3 without checkpointing; falling back to sequential.",
		}
	}
	return requested, nil
}

// HostWarnings describes stability adjustments made for this host.
func (r *Resolver) HostWarnings(opts Options, backend string, chunkChars int) []string {
	if !r.host.LowMemoryApple {
		return nil
	}
	var warnings []string
	if opts.Backend == "auto" && opts.Device == "auto" {
		warnings = append(warnings, fmt.Sprintf(
			"Low-memory Apple profile detected: auto mode will use PyTorch on CPU with %d-character chunks for stability.",
			chunkChars))
	}
	if backend == "mlx" {
		warnings = append(warnings, "MLX can be unstable on 8 GB Apple Silicon when processing multiple books.")
	}
	return warnings
}
