// Command labsweep serves the sweep runner, live monitors and instrument
// controls over HTTP, or runs a single sweep definition with -run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/labsweep/internal/api"
	"github.com/banshee-data/labsweep/internal/app"
	"github.com/banshee-data/labsweep/internal/config"
	"github.com/banshee-data/labsweep/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to JSON configuration file (default "+config.DefaultConfigPath+" if present)")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Path to sqlite database (overrides config)")
	runFile    = flag.String("run", "", "Run the sweep definition in this JSON file, then exit")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.Config, error) {
	path := *configFile
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			log.Printf("no config at %s, using the built-in dummy instrument", config.DefaultConfigPath)
			return config.Default(), nil
		}
		path = config.DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded config from %s", path)
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	if *runFile != "" {
		runErr = runOnce(ctx, a, *runFile)
	} else {
		serve(ctx, a, cfg.GetListen())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Printf("Graceful shutdown complete")

	if runErr != nil {
		log.Printf("sweep failed: %v", runErr)
		os.Exit(1)
	}
}

// runOnce builds the definition in path, runs it to completion and waits. A
// signal requests a stop and the run unwinds at its next stop check.
func runOnce(ctx context.Context, a *app.App, path string) error {
	spec, err := app.LoadDefinitionSpec(path)
	if err != nil {
		return err
	}
	def, err := a.BuildDefinition(spec)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	run, err := a.Runner.Run(def, name)
	if err != nil {
		return err
	}
	log.Printf("started sweep %s (%d points, run %s)", name, def.TotalPoints(), run.Data.ID)

	select {
	case <-run.Done():
	case <-ctx.Done():
		log.Printf("stop requested, waiting for sweep %s to unwind", name)
		a.Runner.RequestStop()
		<-run.Done()
	}
	state := a.Runner.State()
	log.Printf("sweep %s finished: %s, %d points recorded", name, state.Status, state.Points)
	return run.Err()
}

func serve(ctx context.Context, a *app.App, addr string) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes
		if err := a.AttachAdminRoutes(tsweb.Debugger(mux)); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		apiMux := api.NewServer(a).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{
			Addr:    addr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		a.Runner.RequestStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
}
