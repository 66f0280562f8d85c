package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greengrow/cct/pkg/call"
	"github.com/greengrow/cct/pkg/capture"
	"github.com/greengrow/cct/pkg/logging"
	"github.com/greengrow/cct/pkg/metrics"
	"github.com/greengrow/cct/pkg/playback"
	"github.com/greengrow/cct/pkg/redact"
	"github.com/greengrow/cct/pkg/runner"
	"github.com/greengrow/cct/pkg/session"
	"github.com/greengrow/cct/pkg/storage"
	"github.com/greengrow/cct/pkg/token"
	"github.com/greengrow/cct/pkg/trainer"
	"github.com/greengrow/cct/pkg/transcript"
)

func main() {
	configPath := flag.String("config", "config.local.yaml", "")
	listen := flag.Bool("listen", false, "transcribe the microphone without a conversation partner")
	scenario := flag.String("scenario", "", "override the configured scenario selection")
	flag.Parse()

	cfg, err := trainer.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	if *scenario != "" {
		cfg.Scenario = *scenario
	}

	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	if *listen {
		if err := runListen(cfg, logger); err != nil {
			logger.Error("listen_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}
	if err := runCall(cfg, logger); err != nil {
		logger.Error("call_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func buildIssuer(cfg trainer.Config) token.Issuer {
	if cfg.Token.Endpoint != "" {
		return token.NewHTTPIssuer(cfg.Token.Endpoint, nil)
	}
	return token.Static(cfg.Token.APIKey)
}

func buildStore(cfg trainer.Config) (storage.Port, error) {
	if cfg.Storage.Dir == "" {
		return storage.NewMemory(), nil
	}
	return storage.NewFileStore(cfg.Storage.Dir)
}

func buildMetrics(cfg trainer.Config) (metrics.Observer, func(), error) {
	if cfg.Observability.MetricsPath == "" {
		return metrics.NoopObserver{}, func() {}, nil
	}
	f, err := os.OpenFile(cfg.Observability.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	async := metrics.NewAsyncObserver(metrics.NewJSONLObserver(f), 64)
	return async, func() {
		async.Close()
		_ = f.Close()
	}, nil
}

func runCall(cfg trainer.Config, logger *slog.Logger) error {
	name, spec, err := cfg.ResolveScenario()
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	obs, closeObs, err := buildMetrics(cfg)
	if err != nil {
		return err
	}
	defer closeObs()

	speaker := playback.New(playback.Config{Logger: logger})
	defer speaker.Close()

	c := call.New(call.Config{
		Endpoint: cfg.Session.Endpoint,
		Model:    cfg.Session.Model,
		Scenario: call.Scenario{Name: name, Instruction: spec.Instruction, Voice: spec.Voice},
		Tokens:   buildIssuer(cfg),
		NewMic: func(onChunk func(string)) call.Mic {
			return capture.New(capture.Config{
				OnChunk:         onChunk,
				FramesPerBuffer: cfg.Capture.FramesPerBuffer,
				Logger:          logger,
			})
		},
		Speaker:      speaker,
		Store:        store,
		Metrics:      obs,
		Logger:       logger,
		OnTranscript: printTranscript,
		OnError: func(msg string) {
			fmt.Fprintln(os.Stderr, "error:", msg)
		},
	})

	run := runner.NewLifecycleRunner(callDrainer{c}, runner.Hooks{
		OnStart: func() {
			logger.Info("trainer_ready", slog.String("scenario", name))
		},
	}, 15*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := c.Start(ctx); err != nil {
			logger.Error("call_start_failed", slog.String("error", err.Error()))
			cancel()
			return
		}
		watchIdle(c, cancel)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return run.Run(ctx)
}

// watchIdle ends the process once a remote hangup settles the call.
func watchIdle(c *call.Call, cancel context.CancelFunc) {
	for {
		time.Sleep(200 * time.Millisecond)
		if c.State() == call.StateIdle {
			cancel()
			return
		}
	}
}

type callDrainer struct{ c *call.Call }

func (d callDrainer) Drain() error {
	d.c.End()
	return nil
}

func runListen(cfg trainer.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tok, err := buildIssuer(cfg).Issue(ctx)
	if err != nil {
		return err
	}
	sess, err := session.OpenListener(ctx, session.Config{
		Endpoint: cfg.Session.Endpoint,
		Token:    tok.Value,
		Model:    cfg.Session.Model,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	mic := capture.New(capture.Config{
		OnChunk:         sess.SendAudio,
		FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		Logger:          logger,
	})
	if err := mic.Start(ctx); err != nil {
		sess.Close()
		for range sess.Updates() {
		}
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sess.Close()
	}()

	fmt.Println("listening; press Ctrl-C to stop")
	for u := range sess.Updates() {
		switch u := u.(type) {
		case session.TranscriptUpdate:
			printTranscript(u.Turns)
		case session.ErrorUpdate:
			fmt.Fprintln(os.Stderr, "error:", u.Message)
		}
	}
	mic.Stop()
	return nil
}

func printTranscript(turns []transcript.Turn) {
	if len(turns) == 0 {
		return
	}
	last := turns[len(turns)-1]
	fmt.Printf("\r[%s] %s\n", last.Role, last.Text)
}
