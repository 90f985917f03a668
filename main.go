package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/admission"
	"execution-core/internal/api"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/internal/telemetry"
	"execution-core/internal/transport"
	"execution-core/internal/transport/filedrop"
	"execution-core/internal/transport/socket"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/instruments"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config load failed: %v", err)
	}
	log.Printf("🚀 Execution core starting, port %s, transport %s", cfg.Port, cfg.TransportMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ Database migrations failed: %v", err)
	}
	journal := db.NewJournal(database)

	catalog, err := instruments.Load(cfg.InstrumentsPath)
	if err != nil {
		log.Printf("⚠️ Instrument catalog %s not loaded (%v), using built-in defaults", cfg.InstrumentsPath, err)
		catalog = instruments.Defaults()
	}
	log.Printf("📋 Instrument catalog: %d symbols", len(catalog.Symbols()))

	channel, err := buildChannel(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Transport init failed: %v", err)
	}
	defer channel.Close()
	log.Printf("🔌 Transport channel: %s", channel.Name())

	correlator := transport.NewCorrelator(cfg.ResultTimeout)
	defer correlator.Close()

	// Account telemetry mirror
	accounts := telemetry.NewState(cfg.AccountMaxAge, bus)
	accounts.Start(ctx, channel)

	// Position lifecycle
	positions := position.NewManager(channel, catalog, bus, journal, cfg.TickInterval)
	positions.Start(ctx)

	// Resume positions the terminal still holds from a previous run.
	if restored, err := journal.LoadOpenPositions(); err != nil {
		log.Printf("⚠️ Position recovery failed: %v", err)
	} else if len(restored) > 0 {
		for _, snap := range restored {
			positions.Register(position.Restore(snap))
		}
		log.Printf("♻️ Recovered %d managed positions", len(restored))
	}

	validator := admission.New(catalog, admission.Config{
		WeekendTradingAllowed: cfg.WeekendTradingAllowed,
	})
	calculator := risk.NewCalculator(catalog)
	sysMetrics := monitor.NewSystemMetrics()

	exec := execution.NewRouter(channel, correlator, validator, calculator,
		positions, accounts, journal, sysMetrics, bus, execution.Config{
			ResultTimeout:      cfg.ResultTimeout,
			SingleTradePerUser: cfg.SingleTradePerUser,
			EmergencyStop:      cfg.EmergencyStop,
		})
	exec.Start(ctx)

	// Metrics feeds
	tickSub, unsubTick := bus.Subscribe(events.EventPriceTick, 100)
	defer unsubTick()
	go func() {
		for range tickSub {
			sysMetrics.IncrementTicks()
		}
	}()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetManagedPositions(positions.Count())
			}
		}
	}()

	// Reconcile the managed-trade count against what the terminal reports.
	// Lifecycle updates are optimistic, so divergence here is the signal
	// that a command was lost or a position changed outside this process.
	reconcileEvery := cfg.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(reconcileEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, ok := accounts.Snapshot()
				if !ok || !accounts.Fresh() {
					continue
				}
				if managed := positions.Count(); snap.Positions != managed {
					log.Printf("⚠️ Reconciliation: terminal reports %d open positions, managing %d",
						snap.Positions, managed)
					bus.Publish(events.EventRiskAlert, map[string]int{
						"terminal_positions": snap.Positions,
						"managed_positions":  managed,
					})
				}
			}
		}
	}()

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	// API
	server := api.NewServer(exec, bus, catalog, sysMetrics, api.SystemMeta{
		TransportMode: channel.Name(),
		Version:       buildVersion,
	}, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("👋 Shutting down")
}

// buildChannel assembles the configured transport variant. Dual mode runs
// the file-drop and socket channels side by side during migration, with
// the socket as primary.
func buildChannel(ctx context.Context, cfg *config.Config) (transport.Channel, error) {
	switch cfg.TransportMode {
	case "socket":
		return buildSocket(ctx, cfg), nil
	case "dual":
		fd, err := buildFileDrop(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dual := transport.NewDual(buildSocket(ctx, cfg), fd)
		dual.Start(ctx)
		return dual, nil
	case "file":
		return buildFileDrop(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.TransportMode)
	}
}

func buildFileDrop(ctx context.Context, cfg *config.Config) (transport.Channel, error) {
	signer, err := crypto.NewSigner(cfg.FileSigningKey)
	if err != nil {
		return nil, fmt.Errorf("FILE_SIGNING_KEY: %w", err)
	}
	ch, err := filedrop.New(filedrop.Config{
		Dir:          cfg.FileDropDir,
		PollInterval: cfg.FilePollInterval,
		MaxFileSize:  cfg.FileMaxSize,
	}, signer)
	if err != nil {
		return nil, err
	}
	ch.Start(ctx)
	return ch, nil
}

func buildSocket(ctx context.Context, cfg *config.Config) transport.Channel {
	ch := socket.New(socket.Config{
		CommandURL:     cfg.SocketCommandURL,
		TelemetryURL:   cfg.SocketTelemetryURL,
		ResultURL:      cfg.SocketResultURL,
		ReconnectDelay: cfg.SocketReconnectDelay,
		MaxMessageSize: cfg.FileMaxSize,
	})
	ch.Start(ctx)
	return ch
}
