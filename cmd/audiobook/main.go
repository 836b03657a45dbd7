package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/bus"
	"github.com/loqalabs/loqa-audiobook/internal/checkpoint"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/events"
	"github.com/loqalabs/loqa-audiobook/internal/export"
	"github.com/loqalabs/loqa-audiobook/internal/job"
	"github.com/loqalabs/loqa-audiobook/internal/natsserver"
	"github.com/loqalabs/loqa-audiobook/internal/runtime"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

var version = "0.1.0-dev"

const eventStreamName = "AUDIOBOOK_EVENTS"

// cliFlags are the flags that are not job options.
type cliFlags struct {
	configPath  string
	eventFormat string
	logFile     string
	showVersion bool
}

func newFlagSet(opts *job.Options, cli *cliFlags, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("audiobook", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cli.configPath, "config", os.Getenv("AUDIOBOOK_CONFIG"), "Path to configuration file")
	fs.StringVar(&cli.eventFormat, "event-format", "", "Event output format: text or json (default from config)")
	fs.StringVar(&cli.logFile, "log-file", "", "Append emitted events to this file")
	fs.BoolVar(&cli.showVersion, "version", false, "Print version and exit")

	fs.StringVar(&opts.Input, "input", "", "Path to input EPUB")
	fs.StringVar(&opts.Output, "output", "", "Path to output file (MP3 or M4B)")
	fs.StringVar(&opts.Voice, "voice", opts.Voice, "TTS voice")
	fs.StringVar(&opts.LangCode, "lang-code", opts.LangCode, "TTS language code")
	fs.Float64Var(&opts.Speed, "speed", opts.Speed, "Speech speed")
	fs.IntVar(&opts.ChunkChars, "chunk-chars", opts.ChunkChars, "Maximum characters per chunk (0 selects the backend default)")
	fs.StringVar(&opts.SplitPattern, "split-pattern", opts.SplitPattern, "Regex the backend uses for internal splitting")
	fs.StringVar(&opts.Backend, "backend", opts.Backend, "TTS backend: auto, pytorch, mlx or mock")
	fs.StringVar(&opts.Device, "device", opts.Device, "Compute device: auto, cpu or mps")
	fs.StringVar(&opts.Format, "format", opts.Format, "Output format: mp3 or m4b")
	fs.StringVar(&opts.Bitrate, "bitrate", opts.Bitrate, "Audio bitrate: 128k, 192k or 320k")
	fs.BoolVar(&opts.Normalize, "normalize", opts.Normalize, "Apply loudness normalization (-14 LUFS)")
	fs.StringVar(&opts.PipelineMode, "pipeline-mode", opts.PipelineMode, "Synthesis pipeline: sequential or overlapped")
	fs.IntVar(&opts.PrefetchChunks, "prefetch-chunks", opts.PrefetchChunks, "Chunks inferred ahead of conversion in overlapped mode")
	fs.IntVar(&opts.PCMQueueSize, "pcm-queue-size", opts.PCMQueueSize, "Converted chunks buffered ahead of the writer in overlapped mode")
	fs.IntVar(&opts.Workers, "workers", opts.Workers, "Compatibility setting; inference is sequential")
	fs.BoolVar(&opts.Checkpoint, "checkpoint", false, "Save progress so the job can be resumed")
	fs.BoolVar(&opts.Resume, "resume", false, "Resume from a compatible checkpoint")
	fs.BoolVar(&opts.NoCheckpoint, "no-checkpoint", false, "Deprecated; has no effect")
	fs.StringVar(&opts.Title, "title", "", "Override book title in M4B metadata")
	fs.StringVar(&opts.Author, "author", "", "Override book author in M4B metadata")
	fs.StringVar(&opts.Cover, "cover", "", "Override cover image path for M4B")
	fs.BoolVar(&opts.ExtractMetadata, "extract-metadata", false, "Print EPUB metadata and exit")
	fs.BoolVar(&opts.InspectJob, "inspect-job", false, "Print the resolved job plan and exit")
	fs.BoolVar(&opts.CheckCheckpoint, "check-checkpoint", false, "Report the checkpoint status and exit")
	return fs
}

// parseArgs reads the config path first, then parses the full command line
// again on top of the loaded configuration so flags win.
func parseArgs(args []string, stderr io.Writer) (config.Config, job.Options, cliFlags, error) {
	var cli cliFlags
	first := job.OptionsFromConfig(config.Default().Job)
	if err := newFlagSet(&first, &cli, stderr).Parse(args); err != nil {
		return config.Config{}, job.Options{}, cli, err
	}
	if cli.showVersion {
		return config.Config{}, job.Options{}, cli, nil
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return cfg, job.Options{}, cli, err
	}
	opts := job.OptionsFromConfig(cfg.Job)
	if err := newFlagSet(&opts, &cli, io.Discard).Parse(args); err != nil {
		return cfg, opts, cli, err
	}
	if cli.eventFormat != "" {
		cfg.Events.Format = cli.eventFormat
	}
	if cli.logFile != "" {
		cfg.Events.LogFile = cli.logFile
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, opts, cli, err
	}
	return cfg, opts, cli, nil
}

// startupEmitter reports errors raised before the job emitter exists. It
// uses JSON when the event format resolved so far is json, and text
// otherwise, which is the plain message on stderr.
func startupEmitter(cfg config.Config, cli cliFlags, jobID string, stdout, stderr io.Writer) *events.Emitter {
	format := cfg.Events.Format
	if cli.eventFormat != "" {
		format = cli.eventFormat
	}
	if format != "json" {
		format = "text"
	}
	em, err := events.New(events.Options{Format: format, JobID: jobID, Stdout: stdout, Stderr: stderr})
	if err != nil {
		return nil
	}
	return em
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, opts, cli, err := parseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if em := startupEmitter(cfg, cli, opts.JobID(), os.Stdout, os.Stderr); em != nil {
			em.Error(err.Error())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}
	if cli.showVersion {
		fmt.Println(version)
		return 0
	}

	// stdout carries the event stream.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	em, err := events.New(events.Options{
		Format:  cfg.Events.Format,
		JobID:   opts.JobID(),
		LogFile: cfg.Events.LogFile,
		Logger:  logger.With(slog.String("component", "events")),
	})
	if err != nil {
		logger.Error("failed to create event emitter", slog.String("error", err.Error()))
		return 1
	}
	defer em.Close()

	rt := runtime.New(cfg.Telemetry, version, logger)
	if err := rt.Start(ctx); err != nil {
		em.Error(err.Error())
		return 1
	}
	defer func() {
		if err := rt.Shutdown(context.Background()); err != nil {
			logger.Warn("runtime shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if cfg.Bus.Enabled {
		closeBus, err := attachBus(ctx, cfg.Bus, em, logger)
		if err != nil {
			em.Error(err.Error())
			return 1
		}
		defer closeBus()
	}

	runner, closeRunner, err := newRunner(ctx, cfg, opts, em, rt, logger)
	if err != nil {
		em.Error(err.Error())
		return 1
	}
	defer closeRunner()

	rt.SetReady(true)
	err = runner.Run(ctx, opts)
	rt.SetReady(false)
	if err != nil {
		logger.Error("job failed", slog.String("job_id", em.JobID()), slog.String("error", err.Error()))
		em.Error(err.Error())
		return 1
	}
	return 0
}

// attachBus connects to (or embeds) NATS and mirrors events onto it.
func attachBus(ctx context.Context, cfg config.BusConfig, em *events.Emitter, logger *slog.Logger) (func(), error) {
	busLog := logger.With(slog.String("component", "bus"))
	srv, err := natsserver.Start(cfg, busLog)
	if err != nil {
		return nil, err
	}
	if srv != nil {
		cfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, busLog)
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	if err := client.EnsureStream(eventStreamName, cfg.SubjectPrefix); err != nil {
		busLog.Warn("event stream unavailable; publishing without retention", slog.String("error", err.Error()))
	}
	em.SetPublisher(bus.NewEventPublisher(client, cfg.SubjectPrefix))
	return func() {
		em.SetPublisher(nil)
		client.Close()
		srv.Shutdown()
	}, nil
}

func newRunner(ctx context.Context, cfg config.Config, opts job.Options, em *events.Emitter, rt *runtime.Runtime, logger *slog.Logger) (*job.Runner, func(), error) {
	store := checkpoint.New(cfg.Checkpoint.RootDir, logger.With(slog.String("component", "checkpoint")))
	probe := job.CommandProbe(cfg.TTS.MLXProbeCommand, time.Duration(cfg.TTS.ProbeTimeoutMS)*time.Millisecond)
	resolver := job.NewResolver(job.DetectHost(ctx), probe, logger.With(slog.String("component", "policy")))

	recorder, err := rt.Recorder(opts.JobID())
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("create chunk recorder: %w", err)
	}

	runner := &job.Runner{
		Emitter:  em,
		Preparer: &job.Preparer{Resolver: resolver, Store: store},
		Store:    store,
		Backends: func(name string) (tts.Backend, error) {
			return tts.New(name, cfg.TTS)
		},
		Recorder:          recorder,
		HeartbeatInterval: time.Duration(cfg.Events.HeartbeatIntervalMS) * time.Millisecond,
		Logger:            logger.With(slog.String("component", "job")),
	}

	// Report-only modes never touch ffmpeg.
	if !opts.ExtractMetadata && !opts.InspectJob && !opts.CheckCheckpoint {
		muxer, err := export.NewMuxer(cfg.FFmpeg.Command,
			time.Duration(cfg.FFmpeg.CloseTimeoutMS)*time.Millisecond,
			logger.With(slog.String("component", "ffmpeg")))
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		runner.Muxer = job.FFmpegMuxer(muxer)
	}

	return runner, func() {
		if err := store.Close(); err != nil {
			logger.Warn("close checkpoint store", slog.String("error", err.Error()))
		}
	}, nil
}
