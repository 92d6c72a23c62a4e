// Command playht synthesizes speech with PlayHT from the command line.
//
// Text given with -text (or read from stdin) is split into sentences,
// synthesized concurrently and written as one audio stream to -out. With
// -generate the text is synthesized as a hosted file and its URL printed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/playht/internal/config"
	"github.com/MrWong99/playht/internal/observe"
	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/playht"
	"github.com/MrWong99/playht/pkg/transport"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

// cliFlags holds the parsed command line.
type cliFlags struct {
	configPath  string
	envFile     string
	text        string
	out         string
	engine      string
	voice       string
	format      string
	quality     string
	speed       float64
	policy      string
	metricsAddr string
	generate    bool
	watch       bool
}

func parseFlags(fset *flag.FlagSet, args []string) (*cliFlags, error) {
	f := &cliFlags{}
	fset.StringVar(&f.configPath, "config", "", "path to the YAML configuration file (optional)")
	fset.StringVar(&f.envFile, "env-file", ".env", "dotenv file with PLAYHT_API_KEY and PLAYHT_USER_ID")
	fset.StringVar(&f.text, "text", "", "text to synthesize; read from stdin when empty")
	fset.StringVar(&f.out, "out", "-", "output file, - for stdout")
	fset.StringVar(&f.engine, "engine", "", "voice engine override")
	fset.StringVar(&f.voice, "voice", "", "voice id override")
	fset.StringVar(&f.format, "format", "", "output format override")
	fset.StringVar(&f.quality, "quality", "", "quality: draft, low, medium, high or premium")
	fset.Float64Var(&f.speed, "speed", 0, "speech speed multiplier")
	fset.StringVar(&f.policy, "policy", "", "congestion policy override")
	fset.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fset.BoolVar(&f.generate, "generate", false, "generate a hosted file and print its URL instead of streaming")
	fset.BoolVar(&f.watch, "watch", false, "reload the log level when the config file changes or on SIGHUP")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if f.watch && f.configPath == "" {
		return nil, errors.New("-watch requires -config")
	}
	return f, nil
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "playht: %v\n", err)
		return 2
	}

	// A missing dotenv file is normal; credentials may come from the
	// environment or the config file.
	if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "playht: load %s: %v\n", flags.envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "playht: config file %q not found; see configs/example.yaml\n", flags.configPath)
		} else {
			fmt.Fprintf(os.Stderr, "playht: %v\n", err)
		}
		return 1
	}
	if flags.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = flags.metricsAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.Level())
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Debug("playht starting", "version", version, "config", flags.configPath, "log_level", level.Level())

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := startTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config watcher ────────────────────────────────────────────────────────
	if flags.watch {
		w, err := config.NewWatcher(flags.configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(d.NewLogLevel.Level())
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.RequiresRestart() {
				slog.Warn("config changed; restart to apply", "diff", fmt.Sprintf("%+v", d))
			}
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()

		// SIGHUP forces a reload without waiting for the next poll.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := w.Reload(); err != nil {
						slog.Warn("config reload failed", "err", err)
					}
				}
			}
		}()
	}

	// ── Client ────────────────────────────────────────────────────────────────
	client, err := newClient(cfg)
	if err != nil {
		slog.Error("failed to create client", "err", err)
		return 1
	}
	defer client.Close()

	opts, err := streamOptions(cfg, flags)
	if err != nil {
		slog.Error("invalid options", "err", err)
		return 2
	}

	var in io.Reader = os.Stdin
	if flags.text != "" {
		in = strings.NewReader(flags.text)
	}

	if flags.generate {
		err = generate(ctx, client, in, os.Stdout, &opts.SpeechOptions)
	} else {
		err = synthesize(ctx, client, in, flags.out, opts)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted")
			return 130
		}
		slog.Error("synthesis failed", "err", err)
		return 1
	}
	return 0
}

// ── Client wiring ─────────────────────────────────────────────────────────────

func newClient(cfg *config.Config) (*playht.Client, error) {
	settings, err := cfg.PlayHT.ClientSettings()
	if err != nil {
		return nil, err
	}
	var opts []playht.Option
	if cfg.PlayHT.BaseURL != "" {
		opts = append(opts, playht.WithTransportOptions(transport.WithBaseURL(cfg.PlayHT.BaseURL)))
	}
	return playht.New(settings, opts...)
}

// streamOptions merges the configured output format with the flag overrides.
func streamOptions(cfg *config.Config, f *cliFlags) (*playht.StreamOptions, error) {
	opts := &playht.StreamOptions{
		SpeechOptions: playht.SpeechOptions{
			VoiceEngine:  playht.Engine(f.engine),
			VoiceID:      f.voice,
			Quality:      f.quality,
			OutputFormat: cfg.PlayHT.OutputFormat,
			Speed:        f.speed,
		},
	}
	if f.format != "" {
		opts.OutputFormat = f.format
	}
	if f.engine != "" && !opts.VoiceEngine.Valid() {
		return nil, fmt.Errorf("unknown engine %q; valid values: %v", f.engine, playht.Engines)
	}
	if f.policy != "" {
		cc, err := cfg.PlayHT.CongestionSettings()
		if err != nil {
			return nil, err
		}
		if cc.Policy, err = congestion.ParsePolicy(f.policy); err != nil {
			return nil, err
		}
		opts.CongestionCtrl = &cc
	}
	return opts, nil
}

func synthesize(ctx context.Context, client *playht.Client, in io.Reader, out string, opts *playht.StreamOptions) error {
	audio, err := client.StreamText(ctx, in, opts)
	if err != nil {
		return err
	}
	defer audio.Close()

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %q: %w", out, err)
		}
		defer f.Close()
		w = f
	}

	start := time.Now()
	n, err := io.Copy(w, audio)
	if err != nil {
		return err
	}
	slog.Info("audio written", "bytes", n, "out", out, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func generate(ctx context.Context, client *playht.Client, in io.Reader, w io.Writer, opts *playht.SpeechOptions) error {
	text, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read text: %w", err)
	}
	res, err := client.GenerateSpeech(ctx, strings.TrimSpace(string(text)), opts)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, res.AudioURL)
	return err
}

// ── Telemetry ─────────────────────────────────────────────────────────────────

func startTelemetry(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	exp, err := observe.NewTraceExporter(ctx, observe.TraceExporterConfig{
		Exporter:     string(cfg.TraceExporter),
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		Writer:       os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		TraceExporter:  exp,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MetricsAddr == "" {
		return tel.Shutdown, nil
	}

	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("listen %s: %w", cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", tel.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server error", "err", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())

	return func(ctx context.Context) error {
		return errors.Join(srv.Shutdown(ctx), tel.Shutdown(ctx))
	}, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
