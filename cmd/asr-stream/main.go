package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/asr-transport/internal/asr"
	"github.com/lexiqai/asr-transport/internal/audio"
	"github.com/lexiqai/asr-transport/internal/config"
	"github.com/lexiqai/asr-transport/internal/observability"
	"github.com/lexiqai/asr-transport/internal/resilience"
)

// opaqueChunkBytes is the chunk size for compressed formats, where duration cannot
// be derived from the byte count
const opaqueChunkBytes = 4096

type options struct {
	file       string
	format     string
	sampleRate int
	channels   int
	bits       int
	chunk      time.Duration
	realtime   bool
	language   string
	session    string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.file, "file", "", "audio file to transcribe (required)")
	flag.StringVar(&o.format, "format", "pcm", "audio format: pcm, wav, ogg or opus")
	flag.IntVar(&o.sampleRate, "rate", 16000, "sample rate in Hz")
	flag.IntVar(&o.channels, "channels", 1, "channel count")
	flag.IntVar(&o.bits, "bits", 16, "bits per sample")
	flag.DurationVar(&o.chunk, "chunk", 200*time.Millisecond, "audio duration per packet")
	flag.BoolVar(&o.realtime, "realtime", true, "pace packets at the speed of the audio")
	flag.StringVar(&o.language, "language", "", "recognition language hint")
	flag.StringVar(&o.session, "session", config.GetEnv("ASR_SESSION_ID", ""), "session id (generated when empty)")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if opts.file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("asr_url", cfg.ASRURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("ASR stream client starting")

	manager := asr.NewManager(cfg, nil)
	server := startServer(cfg, manager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := run(ctx, manager, opts)

	if err := manager.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close ASR connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("Transcription failed")
		os.Exit(1)
	}
	logger.Info().Msg("ASR stream client exited")
}

// startServer exposes health, readiness and metrics while the client runs
func startServer(cfg *config.Config, manager *asr.Manager) *http.Server {
	logger := observability.GetLogger()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"asr_dialer": manager.Ready,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Server failed")
		}
	}()
	return server
}

// run streams the file and waits for the final result
func run(ctx context.Context, manager *asr.Manager, opts options) error {
	format, err := audio.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	f, err := os.Open(opts.file)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	session := opts.session
	if session == "" {
		session = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(session)

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	callbacks := asr.Callbacks{
		OnResult: func(_ string, r asr.RecognitionResult) {
			if r.Err != nil {
				finish(r.Err)
				return
			}
			if r.IsFinal {
				fmt.Println(r.Text)
				finish(nil)
				return
			}
			fmt.Fprintf(os.Stderr, "\r%s", r.Text)
		},
		OnError: func(_ string, err error) {
			logger.Warn().Err(err).Msg("ASR error")
			if errors.Is(err, asr.ErrReconnectExhausted) {
				finish(err)
			}
		},
		OnDisconnected: func(string) {
			finish(errors.New("connection closed before the final result"))
		},
	}

	params := asr.Params{
		SessionID:   session,
		AudioFormat: format,
		SampleRate:  opts.sampleRate,
		Channels:    opts.channels,
		Bits:        opts.bits,
		Language:    opts.language,
	}

	// Retry transient failures of the first open
	var id string
	err = resilience.Retry(ctx, func() error {
		var connectErr error
		id, connectErr = manager.Connect(ctx, params, callbacks)
		if connectErr != nil {
			logger.Warn().Err(connectErr).Msg("Connect attempt failed")
		}
		return connectErr
	}, resilience.DefaultRetryConfig(), asr.IsRetryableConnectError)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer manager.Disconnect(id)

	size := opaqueChunkBytes
	if format.IsLinear() {
		size = audio.ChunkSize(opts.chunk, opts.sampleRate, opts.channels, opts.bits)
	}
	if size <= 0 {
		return fmt.Errorf("invalid chunk size for %s", opts.chunk)
	}

	if err := stream(ctx, manager, id, f, size, opts); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stream sends the reader in fixed-size chunks, marking the last one
func stream(ctx context.Context, manager *asr.Manager, id string, r io.Reader, size int, opts options) error {
	var ticker *time.Ticker
	if opts.realtime {
		ticker = time.NewTicker(opts.chunk)
		defer ticker.Stop()
	}

	buf := make([]byte, size)
	next := make([]byte, size)

	n, err := io.ReadFull(r, buf)
	for {
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		eof := err != nil

		var m int
		var nextErr error
		if !eof {
			m, nextErr = io.ReadFull(r, next)
			if nextErr != nil && !errors.Is(nextErr, io.ErrUnexpectedEOF) && !errors.Is(nextErr, io.EOF) {
				return fmt.Errorf("failed to read audio: %w", nextErr)
			}
		}
		last := eof || m == 0

		if sendErr := manager.SendAudio(id, buf[:n], last); sendErr != nil {
			return fmt.Errorf("failed to send audio: %w", sendErr)
		}
		if last {
			return nil
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		buf, next = next, buf
		n, err = m, nextErr
	}
}
