package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parzizou/rdp-fleet/internal/agentsvc"
	"github.com/parzizou/rdp-fleet/internal/auth"
	"github.com/parzizou/rdp-fleet/internal/clock"
	"github.com/parzizou/rdp-fleet/internal/config"
	"github.com/parzizou/rdp-fleet/internal/controllersvc"
	"github.com/parzizou/rdp-fleet/internal/docker"
	"github.com/parzizou/rdp-fleet/internal/events"
	"github.com/parzizou/rdp-fleet/internal/fleet"
	"github.com/parzizou/rdp-fleet/internal/launch"
	"github.com/parzizou/rdp-fleet/internal/logging"
	"github.com/parzizou/rdp-fleet/internal/metrics"
	"github.com/parzizou/rdp-fleet/internal/notify"
	"github.com/parzizou/rdp-fleet/internal/store"
	"github.com/parzizou/rdp-fleet/internal/userstore"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: rdpfleet <controller|agent>")
		os.Exit(1)
	}
	mode := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...) // strip subcommand so config.Load's flag-free env reads stay simple

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("rdp-fleet " + versionString())
	fmt.Printf("Mode: %s\n", mode)
	fmt.Println("=============================================")

	switch mode {
	case "agent":
		runAgent(ctx, cfg, log)
	case "controller":
		runController(ctx, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: expected controller or agent\n", mode)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	client, err := docker.NewClient("", nil)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	totalCPU := agentsvc.DetectTotalCPU()
	totalMemMB := agentsvc.DetectTotalMemMB()
	publicHost := agentsvc.ResolveHost(cfg.PublicHost)

	launcher := agentsvc.NewLauncher(client, cfg.RDPPortRangeStart, cfg.RDPPortRangeEnd, cfg.GPUEnabled, cfg.PublicHost)

	srv := agentsvc.NewServer(agentsvc.Deps{
		AgentID:        cfg.AgentID,
		PublicHost:     publicHost,
		APIToken:       cfg.APIToken,
		Docker:         client,
		Launcher:       launcher,
		TotalCPU:       totalCPU,
		TotalMemMB:     totalMemMB,
		GPUCapable:     cfg.GPUEnabled,
		Log:            log.Logger,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	go func() {
		addr := net.JoinHostPort("", cfg.AgentPort)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("agent server error", "error", err)
		}
	}()

	agentNotifier := notify.NewMulti(log.Logger, buildNotifiers(cfg, log)...)
	reclaimer := agentsvc.NewReclaimer(client, clock.Real{}, log.Logger, time.Duration(cfg.ContainerIdleTimeoutMinutes)*time.Minute, cfg.AgentID, agentNotifier)
	go runReclamationLoop(ctx, cfg, log, reclaimer.Run)

	if cfg.MetricsTextfilePath != "" {
		go runPeriodically(ctx, clock.Real{}, 30*time.Second, func(context.Context) {
			if err := metrics.WriteTextfile(cfg.MetricsTextfilePath); err != nil {
				log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfilePath, "error", err)
			}
		})
	}

	if cfg.ServerURL != "" {
		pusher := agentsvc.NewHeartbeatPusher(client, clock.Real{}, log.Logger, agentsvc.HeartbeatConfig{
			AgentID:    cfg.AgentID,
			URL:        publicHost,
			ServerURL:  cfg.ServerURL,
			APIToken:   cfg.APIToken,
			TotalCPU:   totalCPU,
			TotalMemMB: totalMemMB,
			GPUCapable: cfg.GPUEnabled,
			Interval:   cfg.HeartbeatInterval,
		})
		go pusher.Run(ctx)
	}

	log.Info("agent started", "agent_id", cfg.AgentID, "version", versionString())
	<-ctx.Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	log.Info("agent shutdown complete")
}

func runController(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users, err := userstore.Load(cfg.UserStorePath)
	if err != nil {
		log.Error("failed to load user store", "error", err)
		os.Exit(1)
	}

	registry := fleet.NewRegistry(log.Logger)
	if err := controllersvc.LoadRoster(cfg.RosterPath, db, registry, log.Logger, time.Now()); err != nil {
		log.Warn("failed to load roster file", "error", err)
	}
	if err := controllersvc.LoadAllowedImages(cfg.AllowedImagesPath, db); err != nil {
		log.Warn("failed to load allowed images file", "error", err)
	}
	sessions := controllersvc.NewSessionStore()
	bus := events.New()
	rateLimiter := auth.NewRateLimiter()
	notifiers := buildNotifiers(cfg, log)
	notifier := notify.NewMulti(log.Logger, notifiers...)

	dispatcher := controllersvc.NewDispatcher(cfg.APIToken, cfg.DispatchCallTimeout, cfg.FallbackRetryDelay)

	srv := controllersvc.NewServer(controllersvc.Deps{
		Cfg:        cfg,
		Registry:   registry,
		Sessions:   sessions,
		Users:      users,
		DB:         db,
		Dispatcher: dispatcher,
		RateLimit:  rateLimiter,
		Notifier:   notifier,
		Bus:        bus,
		Clock:      clock.Real{},
		Log:        log.Logger,
		RoleLimits: launch.DefaultRoleLimits,
	})

	go func() {
		addr := net.JoinHostPort("", cfg.ServerPort)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("controller server error", "error", err)
		}
	}()

	pruner := controllersvc.NewAgentPruner(registry, sessions, clock.Real{}, log.Logger, cfg.AgentOnlineWindow, cfg.AgentOnlineWindow)
	go pruner.Run(ctx)

	// Rate-limiter bookkeeping goroutine — purge expired IP attempt
	// windows hourly, mirroring the teacher's own session-cleanup ticker.
	go runPeriodically(ctx, clock.Real{}, 1*time.Hour, func(context.Context) {
		rateLimiter.Cleanup()
	})

	if cfg.MetricsTextfilePath != "" {
		go runPeriodically(ctx, clock.Real{}, 30*time.Second, func(context.Context) {
			if err := metrics.WriteTextfile(cfg.MetricsTextfilePath); err != nil {
				log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfilePath, "error", err)
			}
		})
	}

	log.Info("controller started", "version", versionString())
	<-ctx.Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	log.Info("controller shutdown complete")
}

// runReclamationLoop drives the Agent's reclamation pass either on a fixed
// interval or, when RDPFLEET_CLEANUP_SCHEDULE holds a valid cron
// expression, at each scheduled occurrence — mirroring the teacher's
// schedule-or-poll-interval toggle (internal/web's apiSetSchedule).
func runReclamationLoop(ctx context.Context, cfg *config.Config, log *logging.Logger, fn func(context.Context)) {
	interval := time.Duration(cfg.CleanupIntervalMinutes) * time.Minute
	if cfg.CleanupSchedule == "" {
		runPeriodically(ctx, clock.Real{}, interval, fn)
		return
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CleanupSchedule)
	if err != nil {
		log.Error("invalid cleanup schedule, falling back to interval", "schedule", cfg.CleanupSchedule, "error", err)
		runPeriodically(ctx, clock.Real{}, interval, fn)
		return
	}

	for {
		now := time.Now()
		wait := schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			fn(ctx)
		}
	}
}

// runPeriodically runs fn once per interval until ctx is cancelled,
// matching the Run(ctx) background-loop shape used throughout this
// codebase (clock-driven, no goroutine leaks on shutdown).
func runPeriodically(ctx context.Context, clk clock.Clock, interval time.Duration, fn func(context.Context)) {
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
		}
	}
}

// buildNotifiers wires the configured external notification channels —
// an MQTT broker if RDPFLEET_MQTT_BROKER is set, plus a structured-log
// notifier always on so every deployment has at least an audit trail.
func buildNotifiers(cfg *config.Config, log *logging.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Logger)}
	if broker := os.Getenv("RDPFLEET_MQTT_BROKER"); broker != "" {
		topic := os.Getenv("RDPFLEET_MQTT_TOPIC")
		if topic == "" {
			topic = "rdpfleet/events"
		}
		notifiers = append(notifiers, notify.NewMQTT(broker, topic, "",
			os.Getenv("RDPFLEET_MQTT_USERNAME"), os.Getenv("RDPFLEET_MQTT_PASSWORD"), 0))
	}
	return notifiers
}
