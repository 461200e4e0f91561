package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/swasya/livesync/internal/cache"
	"github.com/swasya/livesync/internal/config"
	"github.com/swasya/livesync/internal/encounter"
	"github.com/swasya/livesync/internal/gateway"
	"github.com/swasya/livesync/internal/httpapi"
	"github.com/swasya/livesync/internal/livesync"
)

type options struct {
	cfg     config.Config
	subject *encounter.Subject
	once    bool
	watch   bool
}

func main() {
	opts, err := parseOptions(os.Args[1:], log.Default())
	if err != nil {
		log.Fatalf("%v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, opts, os.Stdout); err != nil {
		log.Fatalf("livesync failed: %v", err)
	}
}

// parseOptions layers flags over LIVESYNC_* variables over the optional
// config file.
func parseOptions(args []string, logger config.Logger) (options, error) {
	fs := flag.NewFlagSet("livesync", flag.ContinueOnError)
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("LIVESYNC_CONFIG")), "YAML config file")
	baseURL := fs.String("base-url", "", "clinical backend base URL")
	token := fs.String("token", "", "bearer token for the clinical backend")
	cacheDSN := fs.String("cache-dsn", "", "cache backend DSN (memory://, file path, sqlite://, postgres://, mysql://, redis://)")
	listen := fs.String("listen", "", "HTTP listen address")
	interval := fs.Duration("interval", 0, "poll interval")
	intervalJitter := fs.Float64("interval-jitter", 0, "poll interval jitter ratio (0.0-1.0)")
	timeout := fs.Duration("timeout", 0, "per-fetch timeout")
	subjectID := fs.String("subject", "", "subject ID to select on startup")
	queueID := fs.String("queue-id", "", "queue entry ID of the startup subject")
	status := fs.String("status", "", "consultation status of the startup subject")
	once := fs.Bool("once", false, "run one fetch cycle for -subject, print the view and exit")
	watch := fs.Bool("watch", false, "follow cache writes from other processes (file cache only)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return options{}, err
	}
	cfg.ApplyEnv(logger)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			cfg.Backend.BaseURL = *baseURL
		case "token":
			cfg.Backend.Token = *token
		case "cache-dsn":
			cfg.Cache.DSN = *cacheDSN
		case "listen":
			cfg.HTTP.Listen = *listen
		case "interval":
			cfg.Poll.Interval = *interval
		case "interval-jitter":
			cfg.Poll.Jitter = *intervalJitter
		case "timeout":
			cfg.Poll.Timeout = *timeout
		}
	})
	if err := cfg.Validate(); err != nil {
		return options{}, err
	}

	opts := options{cfg: cfg, once: *once, watch: *watch}
	if id := strings.TrimSpace(*subjectID); id != "" {
		subject := &encounter.Subject{ID: id, QueueID: strings.TrimSpace(*queueID), Status: encounter.StateWaiting}
		if raw := strings.TrimSpace(*status); raw != "" {
			state, ok := encounter.ParseConsultationState(raw)
			if !ok {
				return options{}, fmt.Errorf("unknown consultation status %q", raw)
			}
			subject.Status = state
		}
		opts.subject = subject
	}
	if opts.once && opts.subject == nil {
		return options{}, errors.New("-once requires -subject")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg := opts.cfg
	backend, err := cache.BuildBackendFromDSN(cfg.Cache.DSN)
	if err != nil {
		return fmt.Errorf("initialize cache backend: %w", err)
	}
	store := cache.NewStore(backend, cache.StoreOptions{Logger: log.Default()})
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("cache close failed: %v", err)
		}
	}()

	client := gateway.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.Token, &http.Client{Timeout: cfg.Poll.Timeout})
	controller := livesync.NewController(livesync.ControllerOptions{
		Gateway:       client,
		Cache:         store,
		Logger:        log.Default(),
		Interval:      cfg.Poll.Interval,
		Jitter:        cfg.Poll.Jitter,
		FetchTimeout:  cfg.Poll.Timeout,
		TimelineLimit: cfg.TimelineLimit,
		OnConsultationAction: func() {
			log.Printf("consultation action accepted; waiting up to %s for queue refresh", cfg.ConsultationHold)
		},
		ConsultationHold: cfg.ConsultationHold,
		Manual:           opts.once,
	})
	defer controller.Close()

	if opts.once {
		controller.Select(ctx, opts.subject)
		fetchCtx, cancel := context.WithTimeout(ctx, cfg.Poll.Timeout)
		defer cancel()
		fetchErr := controller.PollNow(fetchCtx)
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(controller.View()); err != nil {
			return err
		}
		if fetchErr != nil {
			return fmt.Errorf("fetch latest note: %w", fetchErr)
		}
		return nil
	}

	if opts.watch {
		if err := controller.Watch(ctx); err != nil {
			log.Printf("cache watch disabled: %v", err)
		}
	}
	go logTransitions(controller)
	if opts.subject != nil {
		controller.Select(ctx, opts.subject)
	}

	server := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: httpapi.NewServerWithConfig(controller, httpapi.ServerConfig{
			Token:  cfg.HTTP.Token,
			Logger: log.Default(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("livesync listening on %s", cfg.HTTP.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("livesync stopping: %v", ctx.Err())
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func logTransitions(controller *livesync.Controller) {
	views, cancel := controller.Subscribe()
	defer cancel()
	last := ""
	for view := range views {
		line := describeView(view)
		if line == last {
			continue
		}
		last = line
		log.Printf("view: %s", line)
	}
}

func describeView(view livesync.View) string {
	if view.Subject == nil {
		return "no subject selected"
	}
	note := "none"
	if view.Snapshot != nil {
		note = view.Snapshot.NoteIDValue()
		if note == "" {
			note = "unidentified"
		}
	}
	return fmt.Sprintf("subject=%s status=%s polling=%t note=%s busy=%t",
		view.Subject.ID, view.Status, view.Polling, note, view.Consultation.Busy)
}
