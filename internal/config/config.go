package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	StatusBind    string `yaml:"status_bind"`
}

type Config struct {
	Job        JobConfig        `yaml:"job"`
	TTS        TTSConfig        `yaml:"tts"`
	FFmpeg     FFmpegConfig     `yaml:"ffmpeg"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Events     EventsConfig     `yaml:"events"`
	Bus        BusConfig        `yaml:"bus"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// JobConfig holds the synthesis defaults; command-line flags override them per run.
type JobConfig struct {
	Voice          string  `yaml:"voice"`
	LangCode       string  `yaml:"lang_code"`
	Speed          float64 `yaml:"speed"`
	ChunkChars     int     `yaml:"chunk_chars"` // 0 selects the backend default
	SplitPattern   string  `yaml:"split_pattern"`
	Backend        string  `yaml:"backend"`
	Device         string  `yaml:"device"`
	Format         string  `yaml:"format"`
	Bitrate        string  `yaml:"bitrate"`
	Normalize      bool    `yaml:"normalize"`
	PipelineMode   string  `yaml:"pipeline_mode"`
	PrefetchChunks int     `yaml:"prefetch_chunks"`
	PCMQueueSize   int     `yaml:"pcm_queue_size"`
	Workers        int     `yaml:"workers"`
}

type TTSConfig struct {
	PyTorchCommand  string `yaml:"pytorch_command"`
	MLXCommand      string `yaml:"mlx_command"`
	MLXProbeCommand string `yaml:"mlx_probe_command"`
	ProbeTimeoutMS  int    `yaml:"probe_timeout_ms"`
	InitTimeoutMS   int    `yaml:"init_timeout_ms"`
	MockSampleRate  int    `yaml:"mock_sample_rate"`
}

type FFmpegConfig struct {
	Command        string `yaml:"command"`
	CloseTimeoutMS int    `yaml:"close_timeout_ms"`
}

type CheckpointConfig struct {
	// RootDir holds checkpoint directories; empty places them next to the output file.
	RootDir string `yaml:"root_dir"`
}

type EventsConfig struct {
	Format              string `yaml:"format"` // text, json
	LogFile             string `yaml:"log_file"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		Job: JobConfig{
			Voice:          "af_heart",
			LangCode:       "a",
			Speed:          1.0,
			SplitPattern:   `\n+`,
			Backend:        "auto",
			Device:         "auto",
			Format:         "mp3",
			Bitrate:        "192k",
			PipelineMode:   "sequential",
			PrefetchChunks: 2,
			PCMQueueSize:   4,
			Workers:        1,
		},
		TTS: TTSConfig{
			PyTorchCommand:  "python3 -u kokoro_worker.py --backend pytorch",
			MLXCommand:      "python3 -u kokoro_worker.py --backend mlx",
			MLXProbeCommand: "python3 -c \"import mlx.core as mx; mx.array([1.0]); print('ok')\"",
			ProbeTimeoutMS:  8000,
			InitTimeoutMS:   120000,
			MockSampleRate:  24000,
		},
		FFmpeg: FFmpegConfig{
			Command:        "ffmpeg",
			CloseTimeoutMS: 5000,
		},
		Events: EventsConfig{
			Format:              "text",
			HeartbeatIntervalMS: 5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "audiobook.events",
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Job.Voice, "AUDIOBOOK_VOICE")
	overrideString(&cfg.Job.LangCode, "AUDIOBOOK_LANG_CODE")
	overrideFloat(&cfg.Job.Speed, "AUDIOBOOK_SPEED")
	overrideInt(&cfg.Job.ChunkChars, "AUDIOBOOK_CHUNK_CHARS")
	overrideString(&cfg.Job.SplitPattern, "AUDIOBOOK_SPLIT_PATTERN")
	overrideString(&cfg.Job.Backend, "AUDIOBOOK_BACKEND")
	overrideString(&cfg.Job.Device, "AUDIOBOOK_DEVICE")
	overrideString(&cfg.Job.Format, "AUDIOBOOK_FORMAT")
	overrideString(&cfg.Job.Bitrate, "AUDIOBOOK_BITRATE")
	overrideBool(&cfg.Job.Normalize, "AUDIOBOOK_NORMALIZE")
	overrideString(&cfg.Job.PipelineMode, "AUDIOBOOK_PIPELINE_MODE")
	overrideInt(&cfg.Job.PrefetchChunks, "AUDIOBOOK_PREFETCH_CHUNKS")
	overrideInt(&cfg.Job.PCMQueueSize, "AUDIOBOOK_PCM_QUEUE_SIZE")
	overrideInt(&cfg.Job.Workers, "AUDIOBOOK_WORKERS")
	overrideString(&cfg.TTS.PyTorchCommand, "AUDIOBOOK_TTS_PYTORCH_COMMAND")
	overrideString(&cfg.TTS.MLXCommand, "AUDIOBOOK_TTS_MLX_COMMAND")
	overrideString(&cfg.TTS.MLXProbeCommand, "AUDIOBOOK_TTS_MLX_PROBE_COMMAND")
	overrideInt(&cfg.TTS.ProbeTimeoutMS, "AUDIOBOOK_TTS_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.TTS.InitTimeoutMS, "AUDIOBOOK_TTS_INIT_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MockSampleRate, "AUDIOBOOK_TTS_MOCK_SAMPLE_RATE")
	overrideString(&cfg.FFmpeg.Command, "AUDIOBOOK_FFMPEG_COMMAND")
	overrideInt(&cfg.FFmpeg.CloseTimeoutMS, "AUDIOBOOK_FFMPEG_CLOSE_TIMEOUT_MS")
	overrideString(&cfg.Checkpoint.RootDir, "AUDIOBOOK_CHECKPOINT_ROOT_DIR")
	overrideString(&cfg.Events.Format, "AUDIOBOOK_EVENT_FORMAT")
	overrideString(&cfg.Events.LogFile, "AUDIOBOOK_EVENT_LOG_FILE")
	overrideInt(&cfg.Events.HeartbeatIntervalMS, "AUDIOBOOK_HEARTBEAT_INTERVAL_MS")
	overrideBool(&cfg.Bus.Enabled, "AUDIOBOOK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AUDIOBOOK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUDIOBOOK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUDIOBOOK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUDIOBOOK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUDIOBOOK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUDIOBOOK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUDIOBOOK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUDIOBOOK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUDIOBOOK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "AUDIOBOOK_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Telemetry.LogLevel, "AUDIOBOOK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "AUDIOBOOK_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUDIOBOOK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUDIOBOOK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.StatusBind, "AUDIOBOOK_TELEMETRY_STATUS_BIND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks the whole configuration. It is exported so callers that
// apply command-line overrides after Load can re-check the result.
func Validate(cfg Config) error {
	if err := ValidateJob(cfg.Job); err != nil {
		return err
	}
	if cfg.TTS.ProbeTimeoutMS <= 0 {
		return errors.New("tts.probe_timeout_ms must be positive")
	}
	if cfg.TTS.InitTimeoutMS <= 0 {
		return errors.New("tts.init_timeout_ms must be positive")
	}
	if cfg.TTS.MockSampleRate <= 0 {
		return errors.New("tts.mock_sample_rate must be positive")
	}
	if strings.TrimSpace(cfg.FFmpeg.Command) == "" {
		return errors.New("ffmpeg.command must not be empty")
	}
	if cfg.FFmpeg.CloseTimeoutMS <= 0 {
		return errors.New("ffmpeg.close_timeout_ms must be positive")
	}
	switch cfg.Events.Format {
	case "text", "json":
	default:
		return errors.New("events.format must be one of text|json")
	}
	if cfg.Events.HeartbeatIntervalMS <= 0 {
		return errors.New("events.heartbeat_interval_ms must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if strings.TrimSpace(cfg.Bus.SubjectPrefix) == "" {
			return errors.New("bus.subject_prefix must not be empty when the bus is enabled")
		}
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	return nil
}

// ValidateJob reports invalid numeric or enumerated synthesis options.
func ValidateJob(job JobConfig) error {
	if strings.TrimSpace(job.Voice) == "" {
		return errors.New("job.voice must not be empty")
	}
	if job.Speed <= 0 {
		return errors.New("job.speed must be positive")
	}
	if job.ChunkChars < 0 {
		return errors.New("job.chunk_chars must be >= 0")
	}
	switch job.Backend {
	case "auto", "pytorch", "mlx", "mock":
	default:
		return errors.New("job.backend must be one of auto|pytorch|mlx|mock")
	}
	switch job.Device {
	case "auto", "cpu", "mps":
	default:
		return errors.New("job.device must be one of auto|cpu|mps")
	}
	switch job.Format {
	case "mp3", "m4b":
	default:
		return errors.New("job.format must be one of mp3|m4b")
	}
	switch job.Bitrate {
	case "128k", "192k", "320k":
	default:
		return errors.New("job.bitrate must be one of 128k|192k|320k")
	}
	switch job.PipelineMode {
	case "sequential", "overlapped":
	default:
		return errors.New("job.pipeline_mode must be one of sequential|overlapped")
	}
	if job.PrefetchChunks < 1 {
		return errors.New("job.prefetch_chunks must be >= 1")
	}
	if job.PCMQueueSize < 1 {
		return errors.New("job.pcm_queue_size must be >= 1")
	}
	return nil
}
