package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/shellmux/internal/audit"
	"github.com/gluk-w/shellmux/internal/config"
	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/handlers"
	"github.com/gluk-w/shellmux/internal/logging"
	"github.com/gluk-w/shellmux/internal/middleware"
	"github.com/gluk-w/shellmux/internal/multiplexer"
	"github.com/gluk-w/shellmux/internal/shell"
	"github.com/gluk-w/shellmux/internal/tunnel"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "attach":
			os.Exit(runAttach(os.Args[2:]))
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "usage: %s [serve|attach] [flags]\n", os.Args[0])
			os.Exit(2)
		}
	}
	serve()
}

func serve() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	auditor := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)

	spawner, err := newSpawner(config.Cfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s shell backend: %v", config.Cfg.ShellBackend, err)
	}
	mux := multiplexer.New(spawner, multiplexer.Options{
		ScrollbackSize: config.Cfg.ScrollbackSize,
		DefaultShell:   config.Cfg.DefaultShell,
		InputRate:      config.Cfg.InputRateLimit,
		InputBurst:     config.Cfg.InputRateBurst,
		OnEvent:        auditor.Observe,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Cfg.ShellsFile != "" {
		if err := createStartupShells(ctx, mux, config.Cfg.ShellsFile); err != nil {
			log.Fatalf("Failed to create startup shells: %v", err)
		}
	}

	tunnelSrv := tunnel.NewServer(ctx, mux)
	handlers.Mux = mux
	handlers.AuditLog = auditor
	handlers.Tunnel = tunnelSrv

	scheduler := cron.New()
	if config.Cfg.MaintenanceSchedule != "" {
		_, err := scheduler.AddFunc(config.Cfg.MaintenanceSchedule, func() {
			runMaintenance(mux, auditor)
		})
		if err != nil {
			log.Fatalf("Invalid maintenance schedule %q: %v", config.Cfg.MaintenanceSchedule, err)
		}
		scheduler.Start()
	}

	srv := &http.Server{
		Addr:        config.Cfg.ListenAddr,
		Handler:     newRouter(config.Cfg.AuthToken, tunnelSrv),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting shellmux on %s (backend %s)", config.Cfg.ListenAddr, config.Cfg.ShellBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Terminal sockets are hijacked, so Shutdown does not wait for them;
	// cancelling ctx ends their Serve loops.
	srv.Shutdown(shutdownCtx)
	cancel()
	tunnelSrv.Close()
	if err := mux.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shell shutdown incomplete: %v", err)
	}
	<-scheduler.Stop().Done()
	database.Close(database.DB)
}

func newRouter(token string, tunnelSrv *tunnel.Server) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(token))
		r.Handle("/tunnel", tunnelSrv)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/shells", handlers.ListShells)
			r.Post("/shells", handlers.CreateShell)
			r.Get("/shells/{id}", handlers.GetShell)
			r.Delete("/shells/{id}", handlers.DeleteShell)
			r.Get("/shells/{id}/terminal", handlers.TerminalWS)

			r.Get("/audit", handlers.GetAuditLogs)
			r.Delete("/audit", handlers.PurgeAuditLogs)
			r.Get("/logs", handlers.GetServerLogs)
		})
	})
	return r
}

func newSpawner(cfg config.Settings) (shell.Spawner, error) {
	if cfg.ShellBackend == "ssh" {
		return shell.NewSSHSpawner(shell.SSHConfig{
			Addr:           cfg.SSHAddr,
			User:           cfg.SSHUser,
			KeyPath:        cfg.SSHKeyPath,
			KnownHostsPath: cfg.SSHKnownHosts,
			Timeout:        cfg.SSHDialTimeout,
		})
	}
	return shell.LocalSpawner{}, nil
}

func createStartupShells(ctx context.Context, mux *multiplexer.Multiplexer, path string) error {
	defs, err := config.LoadShells(path)
	if err != nil {
		return err
	}
	for _, def := range defs {
		s, err := mux.CreateShell(ctx, multiplexer.ShellSpec{
			Name:  def.Name,
			Shell: def.Shell,
			Cols:  def.Cols,
			Rows:  def.Rows,
			Dir:   def.Dir,
		})
		if err != nil {
			return fmt.Errorf("shell %q: %w", def.Name, err)
		}
		log.Printf("Created shell %d (%s)", s.ID, s.Name)
	}
	return nil
}

func runMaintenance(mux *multiplexer.Multiplexer, auditor *audit.Auditor) {
	if timeout := config.Cfg.ShellIdleTimeout; timeout > 0 {
		if n := mux.CleanupIdle(timeout); n > 0 {
			log.Printf("[maintenance] closed %d idle shells", n)
		}
	}
	if n, err := auditor.PurgeOlderThan(0); err != nil {
		log.Printf("[maintenance] audit purge: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] purged %d audit entries", n)
	}
}
