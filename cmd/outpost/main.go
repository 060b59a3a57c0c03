package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/outpost/lockstep/internal/config"
	coresys "github.com/outpost/lockstep/internal/core/system"
	"github.com/outpost/lockstep/internal/data"
	"github.com/outpost/lockstep/internal/lockstep"
	gonet "github.com/outpost/lockstep/internal/net"
	"github.com/outpost/lockstep/internal/persist"
	"github.com/outpost/lockstep/internal/scripting"
	"github.com/outpost/lockstep/internal/task"
	"github.com/outpost/lockstep/internal/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(role, name string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              Outpost  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        lockstep base-builder peer         \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mPeer:\033[0m %s \033[90m(%s)\033[0m\n\n", name, role)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Peer startup ───────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Peer.Role, cfg.Peer.Name)

	// 3. Load static data
	printSection("Data")
	templates, err := data.LoadTemplates(cfg.World.Templates)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	printStat("Entity templates", templates.Count())

	engine, err := scripting.NewEngine(cfg.World.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()
	tasks := world.NewTaskRegistry()
	task.RegisterBuiltins(tasks)
	task.RegisterScripted(tasks, engine)
	printOK("Lua task engine ready")

	reg := lockstep.NewRegistry(tasks, log)
	printStat("Message types", len(reg.Stats()))
	fmt.Println()

	lcfg := lockstepConfig(cfg, log)
	netOpts := gonet.Options{
		InQueueSize:      cfg.Network.InQueueSize,
		OutQueueSize:     cfg.Network.OutQueueSize,
		PacketsPerSecond: cfg.Network.PacketsPerSecond,
		WriteTimeout:     cfg.Network.WriteTimeout,
		ReadTimeout:      cfg.Network.ReadTimeout,
	}

	runner := coresys.NewRunner()
	var (
		peer     *lockstep.Peer
		listener gonet.Listener
		archive  *matchArchive
	)

	if cfg.Peer.Role == "host" {
		// 4. Build the starting world
		printSection("World")
		maps, err := data.LoadMapData(cfg.World.MapList, cfg.World.TileDir)
		if err != nil {
			return fmt.Errorf("map data: %w", err)
		}
		printStat("Maps", maps.Count())
		for _, id := range maps.Skipped() {
			log.Warn("map has no tile file", zap.Int32("map", id))
		}
		w, err := maps.NewWorld(cfg.World.MapID, templates, tasks, lcfg.World)
		if err != nil {
			return fmt.Errorf("world: %w", err)
		}
		printOK(fmt.Sprintf("Map %d (%dx%d)", cfg.World.MapID, w.Width(), w.Height()))
		state := lockstep.NewSharedGameState(w, cfg.World.StartResources)

		cache, err := lockstep.NewSnapshotCache(cfg.Cache.SnapshotCost, cfg.Cache.SnapshotTTL)
		if err != nil {
			return fmt.Errorf("snapshot cache: %w", err)
		}
		defer cache.Close()

		peer = lockstep.NewHost(lcfg, reg, state, cache, log)
		fmt.Println()

		// 5. Round archive
		if cfg.Database.DSN != "" {
			archive, err = openArchive(cfg, log)
			if err != nil {
				return err
			}
			archive.archive.Attach(peer)
			runner.Register(persist.NewArchiveSystem(archive.archive))
		}

		// 6. Accept peers
		listener, err = listen(cfg, netOpts, log)
		if err != nil {
			return err
		}
		defer listener.Shutdown()
	} else {
		printSection("Network")
		link, err := dial(cfg, netOpts, log)
		if err != nil {
			return err
		}
		printOK("Connected to " + link.Remote())
		fmt.Println()
		peer = lockstep.NewClient(lcfg, reg, templates, tasks, link, log)
	}

	peer.PlayerEvents.Subscribe(func(ev lockstep.PlayerEvent) {
		verb := "left"
		if ev.Joined {
			verb = "joined"
		}
		printOK(fmt.Sprintf("%s %s (%d players)", ev.Name, verb, len(peer.State().Players)))
	})

	// 7. Systems
	runner.Register(lockstep.NewInputSystem(peer, listener))
	runner.Register(lockstep.NewSyncSystem(peer))
	runner.Register(lockstep.NewOutputSystem(peer))

	// 8. Game loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Lockstep.TickRate)
	defer ticker.Stop()

	printSection("Ready")
	printReady(fmt.Sprintf("Game loop running (tick: %s, sync: %s)", cfg.Lockstep.TickRate, cfg.Lockstep.SyncPolicy))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			if err := runner.Tick(cfg.Lockstep.TickRate); err != nil {
				archive.close(log)
				if errors.Is(err, lockstep.ErrDesync) {
					return fmt.Errorf("world diverged from host: %w", err)
				}
				return err
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			archive.close(log)
			log.Info("peer stopped", zap.Int64("round", roundOf(peer)))
			return nil
		}
	}
}

func lockstepConfig(cfg *config.Config, log *zap.Logger) lockstep.Config {
	var policy lockstep.SyncPolicy = lockstep.Always{}
	if cfg.Lockstep.SyncPolicy == "interval" {
		policy = lockstep.Interval(cfg.Lockstep.SyncInterval)
	}
	return lockstep.Config{
		Name:           cfg.Peer.Name,
		Password:       cfg.Peer.Password,
		PasswordHash:   cfg.Lobby.PasswordHash,
		MaxPlayers:     cfg.Lobby.MaxPlayers,
		StartResources: cfg.World.StartResources,
		SyncPolicy:     policy,
		SyncTimeout:    cfg.Lockstep.SyncTimeout,
		MaxStepMs:      cfg.Lockstep.MaxStepMs,
		DesyncCheck:    cfg.Lockstep.DesyncCheck,
		MaxDrain:       cfg.Network.MaxPacketsPerTick,
		World: world.Options{
			MaxPushouts: cfg.World.MaxPushouts,
			Log:         log.Named("world"),
		},
	}
}

func listen(cfg *config.Config, opts gonet.Options, log *zap.Logger) (gonet.Listener, error) {
	printSection("Network")
	if cfg.Network.Transport == "ws" {
		srv := gonet.NewWSServer(opts, log)
		go func() {
			if err := srv.ListenAndServe(cfg.Network.BindAddress); err != nil {
				log.Error("websocket server stopped", zap.Error(err))
			}
		}()
		printReady(fmt.Sprintf("Listening on ws://%s/ws", cfg.Network.BindAddress))
		fmt.Println()
		return srv, nil
	}
	srv, err := gonet.NewServer(cfg.Network.BindAddress, opts, log)
	if err != nil {
		return nil, fmt.Errorf("net server: %w", err)
	}
	go srv.AcceptLoop()
	printReady(fmt.Sprintf("Listening on %s", srv.Addr()))
	fmt.Println()
	return srv, nil
}

func dial(cfg *config.Config, opts gonet.Options, log *zap.Logger) (gonet.Link, error) {
	addr := cfg.Peer.HostAddress
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return gonet.DialWS(addr, opts, log)
	}
	return gonet.Dial(addr, opts, log)
}

// matchArchive owns the database side of a hosted match.
type matchArchive struct {
	db      *persist.DB
	repo    *persist.MatchRepo
	matchID uuid.UUID
	archive *persist.Archive
}

func openArchive(cfg *config.Config, log *zap.Logger) (*matchArchive, error) {
	printSection("Archive")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.OpenDB(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	printOK("PostgreSQL connected")
	version, err := db.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	printOK(fmt.Sprintf("Schema at version %d", version))

	repo := persist.NewMatchRepo(db)
	matchID, err := repo.CreateMatch(ctx, cfg.World.MapID, cfg.Peer.Name, cfg.World.StartResources)
	if err != nil {
		db.Close()
		return nil, err
	}
	printOK("Match " + matchID.String())
	fmt.Println()
	return &matchArchive{
		db:      db,
		repo:    repo,
		matchID: matchID,
		archive: persist.NewArchive(repo, matchID, cfg.Database.FlushEvery, log),
	}, nil
}

// close flushes the remaining rounds, marks the match finished and releases
// the pool. Safe on a nil receiver.
func (m *matchArchive) close(log *zap.Logger) {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.archive.Close(ctx); err != nil {
		log.Error("final archive flush failed", zap.Error(err))
	}
	if err := m.repo.FinishMatch(ctx, m.matchID); err != nil {
		log.Error("finish match failed", zap.Error(err))
	}
	log.Info("match archived",
		zap.String("match", m.matchID.String()),
		zap.Int64("rounds", m.archive.Written()),
		zap.Int64("dropped", m.archive.Dropped()),
	)
	m.db.Close()
}

func roundOf(p *lockstep.Peer) int64 {
	if s := p.State(); s != nil {
		return s.Round
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	log, err := zapCfg.Build()
	if err != nil || cfg.File == "" {
		return log, err
	}

	// Tee into a rotating JSON file next to the console output.
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zapCfg.Level)
	return log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}
