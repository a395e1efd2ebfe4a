package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"clinicboard/internal/board"
	"clinicboard/internal/caldav"
	"clinicboard/internal/capture"
	"clinicboard/internal/clock"
	"clinicboard/internal/config"
	"clinicboard/internal/google"
	"clinicboard/internal/ics"
	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
	"clinicboard/internal/scheduler"
	"clinicboard/internal/source"
	"clinicboard/internal/web"
)

const version = "0.1.0"

func main() {
	// Load .env first; a missing file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "clinicboard",
		Usage:   "Live scheduling board for clinic rooms, professionals and equipment.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "./clinicboard.yaml", Usage: "Path to config file", EnvVars: []string{"CLINICBOARD_CONFIG"}},
		},
		Commands: []*cli.Command{
			serveCommand(),
			onceCommand(),
			captureCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("clinicboard failed", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the refresh scheduler and the web board.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
			&cli.StringFlag{Name: "date", Usage: "Pin the board to YYYY-MM-DD instead of following today"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx, c)
			if err != nil {
				return err
			}
			return app.serve(ctx)
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run one aggregation cycle and print the board as JSON.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "Board date YYYY-MM-DD (default today)"},
		},
		Action: func(c *cli.Context) error {
			app, err := setup(c.Context, c)
			if err != nil {
				return err
			}
			return app.once(c.Context)
		},
	}
}

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Render the TV page headless and write a PNG.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Page to capture (default: this server's /tv.html)"},
			&cli.StringFlag{Name: "out", Usage: "Output PNG path (default: capture.output)"},
			&cli.IntFlag{Name: "width", Usage: "Viewport width"},
			&cli.IntFlag{Name: "height", Usage: "Viewport height"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			opts := capture.OptionsFromConfig(cfg)
			if v := c.String("url"); v != "" {
				opts.URL = v
			}
			if v := c.String("out"); v != "" {
				opts.OutputPath = v
			}
			if v := c.Int("width"); v > 0 {
				opts.Width = v
			}
			if v := c.Int("height"); v > 0 {
				opts.Height = v
			}

			appLog.Info("capturing board", "url", opts.URL, "output", opts.OutputPath)
			if err := capture.BoardPNG(c.Context, opts); err != nil {
				return err
			}
			appLog.Info("capture written", "output", opts.OutputPath)
			return nil
		},
	}
}

// loadConfig reads the config file, applies env secrets and CLI overrides
// and sets the log level.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// app holds the wired components shared by serve and once.
type app struct {
	cfg   *config.Config
	store *config.Store
	sched *scheduler.Scheduler
	unsub func()
}

func setup(ctx context.Context, c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var date model.Date
	if v := c.String("date"); v != "" {
		if date, err = model.ParseDate(v); err != nil {
			return nil, err
		}
	}

	router, err := buildRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := config.NewStore(c.String("config"))
	notify, unsub := store.Subscribe()
	agg := board.NewAggregator(router, loc, board.WithFetchTimeout(cfg.FetchTimeout))
	sched := scheduler.New(store, agg,
		scheduler.WithClock(clock.Real{}),
		scheduler.WithRefresh(cfg.Refresh),
		scheduler.WithTick(cfg.Tick),
		scheduler.WithLocation(loc),
		scheduler.WithDate(date),
		scheduler.WithNotify(notify),
	)

	appLog.Info("effective config",
		"version", version,
		"config_path", store.Path(),
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.Refresh,
		"tick", cfg.Tick.String(),
		"fetch_timeout", cfg.FetchTimeout.String(),
		"calendars", len(cfg.Calendars),
		"providers", router.Providers(),
		"date", sched.Date().String(),
	)
	return &app{cfg: cfg, store: store, sched: sched, unsub: unsub}, nil
}

// buildRouter registers every provider that has what it needs. Calendars
// naming an unregistered provider fail individually at fetch time.
func buildRouter(ctx context.Context, cfg *config.Config) (*source.Router, error) {
	router := source.NewRouter()
	router.Register(model.ProviderICS, ics.NewSource(ics.NewFetcher(cfg.CacheDir, nil)))

	if cfg.Google.Enabled() {
		g, err := google.NewSource(ctx, cfg.Google)
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		router.Register(model.ProviderGoogle, g)
	} else {
		appLog.Warn("google credentials not configured; google calendars will report errors")
	}

	if cfg.CalDAV.Endpoint != "" {
		dav, err := caldav.NewSource(cfg.CalDAV, nil)
		if err != nil {
			return nil, fmt.Errorf("caldav provider: %w", err)
		}
		router.Register(model.ProviderCalDAV, dav)
	}
	return router, nil
}

func (a *app) serve(parent context.Context) error {
	defer a.unsub()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           web.NewServer(a.cfg, a.sched, a.store).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.sched.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		appLog.Info("starting HTTP server", "listen", "http://"+a.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if spec := a.cfg.Capture.Refresh; spec != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := capture.Run(ctx, spec, capture.OptionsFromConfig(a.cfg), nil); err != nil {
				errCh <- fmt.Errorf("capture: %w", err)
			}
		}()
	}

	// SIGHUP re-reads the config file and notifies the scheduler.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			appLog.Info("signal received, shutting down")
			break loop
		case <-hup:
			if err := a.store.Reload(); err != nil {
				appLog.Error("config reload failed; keeping current calendars", err)
			}
		case runErr = <-errCh:
			break loop
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	wg.Wait()
	appLog.Info("clinicboard exiting")
	return runErr
}

func (a *app) once(ctx context.Context) error {
	defer a.unsub()

	snap, err := a.sched.Refresh(ctx)
	if err != nil {
		return err
	}
	live := a.sched.Live()

	out := struct {
		Date        model.Date           `json:"date"`
		RefreshedAt time.Time            `json:"refreshed_at"`
		Board       *board.Board         `json:"board"`
		Now         time.Time            `json:"now"`
		Live        board.Classification `json:"live"`
	}{
		Date:        snap.Board.Date,
		RefreshedAt: snap.RefreshedAt,
		Board:       snap.Board,
		Now:         live.Now,
		Live:        live.Calendars,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
