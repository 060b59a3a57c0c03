// replay re-simulates an archived match from its map and checks every round
// against the checksum the host recorded.
//
// Usage:
//
//	go run ./cmd/replay [-v] [-orders Build,IssueTask] <match-id>
//
// -orders prints the listed order types as they are replayed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/config"
	"github.com/outpost/lockstep/internal/data"
	"github.com/outpost/lockstep/internal/lockstep"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/order"
	"github.com/outpost/lockstep/internal/persist"
	"github.com/outpost/lockstep/internal/scripting"
	"github.com/outpost/lockstep/internal/task"
	"github.com/outpost/lockstep/internal/world"
)

func main() {
	orders := flag.String("orders", "", "comma-separated order types to print")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: replay [-v] [-orders Build,IssueTask] <match-id>")
		os.Exit(2)
	}
	matchID, err := uuid.Parse(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad match id %q: %v\n", flag.Arg(0), err)
		os.Exit(2)
	}
	if err := run(matchID, *orders, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
}

func run(matchID uuid.UUID, orderNames string, verbose bool) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("no archive database configured")
	}
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	log, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// ---- Static data, as the host loaded it ----
	templates, err := data.LoadTemplates(cfg.World.Templates)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	engine, err := scripting.NewEngine(cfg.World.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()
	tasks := world.NewTaskRegistry()
	task.RegisterBuiltins(tasks)
	task.RegisterScripted(tasks, engine)
	reg := lockstep.NewRegistry(tasks, log)

	show, err := orderFilter(reg, orderNames)
	if err != nil {
		return err
	}

	// ---- Archived match ----
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := persist.OpenDB(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := persist.NewMatchRepo(db)
	m, err := repo.LoadMatch(ctx, matchID)
	if err != nil {
		return err
	}
	rows, err := repo.LoadRounds(ctx, matchID, 0)
	if err != nil {
		return fmt.Errorf("load rounds: %w", err)
	}
	fmt.Printf("match %s on map %d hosted by %s: %d rounds archived\n", m.ID, m.MapID, m.HostName, len(rows))

	// ---- Replay ----
	maps, err := data.LoadMapData(cfg.World.MapList, cfg.World.TileDir)
	if err != nil {
		return fmt.Errorf("map data: %w", err)
	}
	w, err := maps.NewWorld(m.MapID, templates, tasks, world.Options{
		MaxPushouts: cfg.World.MaxPushouts,
		Log:         log.Named("world"),
	})
	if err != nil {
		return fmt.Errorf("world: %w", err)
	}
	rp := lockstep.NewReplay(w, reg, m.StartResources)

	var applied, rejected int
	for _, row := range rows {
		rec := row.Record()
		if len(show) > 0 {
			if err := printOrders(reg, rec, show); err != nil {
				return err
			}
		}
		res, err := rp.Step(rec)
		if err != nil {
			return err
		}
		applied += res.Applied
		rejected += res.Rejected
	}
	fmt.Printf("replayed %d rounds: %d orders applied, %d rejected, %d entities, checksums match\n",
		len(rows), applied, rejected, w.EntityCount())
	return nil
}

// orderFilter resolves comma-separated message names to type ids. Only order
// types are accepted.
func orderFilter(reg *packet.Registry, names string) (map[packet.TypeID]bool, error) {
	out := make(map[packet.TypeID]bool)
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := reg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown order type %q", name)
		}
		p := reg.MustAcquire(id)
		_, isOrder := p.(order.Order)
		reg.Recycle(p)
		if !isOrder {
			return nil, fmt.Errorf("%s is a connection message, not an order", name)
		}
		out[id] = true
	}
	return out, nil
}

func printOrders(reg *packet.Registry, rec lockstep.RoundRecord, show map[packet.TypeID]bool) error {
	orders, err := lockstep.DecodeOrders(reg, rec.OrderData)
	if err != nil {
		return fmt.Errorf("round %d: %w", rec.Round, err)
	}
	for _, o := range orders {
		if show[o.Type()] {
			fmt.Printf("  round %-6d player %-3d %s %+v\n", rec.Round, o.Issuer(), reg.Name(o.Type()), o)
		}
		reg.Recycle(o)
	}
	return nil
}
