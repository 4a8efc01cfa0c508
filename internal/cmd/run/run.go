package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/weft/internal/broker"
	"github.com/rzbill/weft/internal/broker/jetstream"
	"github.com/rzbill/weft/internal/broker/membroker"
	"github.com/rzbill/weft/internal/broker/redistream"
	"github.com/rzbill/weft/internal/command"
	cfgpkg "github.com/rzbill/weft/internal/config"
	"github.com/rzbill/weft/internal/consumer"
	"github.com/rzbill/weft/internal/control"
	"github.com/rzbill/weft/internal/event"
	"github.com/rzbill/weft/internal/state"
	pebblestore "github.com/rzbill/weft/internal/storage/pebble"
	"github.com/rzbill/weft/internal/worker"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// Options carries the resolved daemon configuration.
type Options struct {
	Config cfgpkg.Config
}

// Run starts the lattice workers and blocks until ctx is cancelled. Shutdown
// drains in-flight work before the broker and the state store close.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context: layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if cfg.HostID == "" {
		cfg.HostID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	procLogger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		// Fall back to a sane default
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Log.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("Starting weft",
		logpkg.Str("host_id", cfg.HostID),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("broker", cfg.Broker.Kind),
		logpkg.Str("lattices", strings.Join(cfg.Lattices, ",")),
		logpkg.Int("max_jobs", cfg.MaxJobs),
		logpkg.Dur("ack_wait", cfg.AckWait()),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	fsync, err := pebblestore.ParseFsyncMode(cfg.StateFsync)
	if err != nil {
		return err
	}
	store, err := state.Open(state.Options{
		DataDir: filepath.Join(cfg.DataDir, "state"),
		Fsync:   fsync,
		Logger:  procLogger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	bh, err := connectBroker(sctx, cfg, store, procLogger)
	if err != nil {
		return err
	}
	defer bh.close()

	events, err := bh.broker.EnsureStream(sctx, broker.StreamConfig{
		Name:     cfg.EventStream,
		Subjects: []string{event.WildcardSubject()},
		AckWait:  cfg.AckWait(),
	})
	if err != nil {
		return err
	}
	commands, err := bh.broker.EnsureStream(sctx, broker.StreamConfig{
		Name:     cfg.CommandStream,
		Subjects: []string{command.WildcardSubject()},
		AckWait:  cfg.AckWait(),
	})
	if err != nil {
		return err
	}

	// One pool for both streams so max_jobs bounds total in-flight work.
	pool := consumer.NewPool(cfg.MaxJobs)
	eventMgr := consumer.NewWithLogger(pool, events, event.Decode, procLogger)
	commandMgr := consumer.NewWithLogger(pool, commands, command.Decode, procLogger)

	for _, lattice := range cfg.Lattices {
		pub := command.NewFanoutPublisherWithLogger(bh.broker, command.Subject(lattice), procLogger)
		ew := worker.NewEventWorker(worker.EventWorkerOptions{
			Lattice:   lattice,
			Store:     store,
			Claims:    bh.claims,
			Inventory: bh.inventory,
			Publisher: pub,
			Logger:    procLogger,
		})
		if err := eventMgr.AddForLattice(sctx, event.Subject(lattice), ew); err != nil {
			return fmt.Errorf("watch events for %s: %w", lattice, err)
		}
		cw := worker.NewCommandWorkerWithLogger(lattice, bh.broker, procLogger)
		if err := commandMgr.AddForLattice(sctx, command.Subject(lattice), cw); err != nil {
			return fmt.Errorf("watch commands for %s: %w", lattice, err)
		}
	}

	<-sctx.Done()

	procLogger.Info("Stopping weft", logpkg.Str("host_id", cfg.HostID))
	eventMgr.Stop()
	commandMgr.Stop()
	return nil
}

// brokerHandle bundles a connected broker with the control-plane sources it
// supports and the teardown for its underlying connection.
type brokerHandle struct {
	broker    broker.Broker
	claims    control.ClaimsSource
	inventory control.InventorySource
	close     func()
}

func connectBroker(ctx context.Context, cfg cfgpkg.Config, store *state.Store, logger logpkg.Logger) (*brokerHandle, error) {
	switch cfg.Broker.Kind {
	case cfgpkg.BrokerNATS:
		nc, err := nats.Connect(cfg.Broker.NATSURL,
			nats.Name("weft-"+cfg.HostID),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.Broker.NATSURL, err)
		}
		bk, err := jetstream.NewWithDomain(nc, cfg.Broker.NATSDomain)
		if err != nil {
			nc.Close()
			return nil, err
		}
		ctl := control.NewNatsClientWithLogger(nc, logger)
		return &brokerHandle{
			broker:    bk,
			claims:    control.NewCachedClaimsSourceWithLogger(ctl, store, logger),
			inventory: control.NewCachedInventorySourceWithLogger(ctl, store, logger),
			close: func() {
				_ = bk.Close()
				nc.Close()
			},
		}, nil
	case cfgpkg.BrokerRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Broker.RedisAddr, err)
		}
		// No control plane over Redis; workers run without snapshot
		// refreshes.
		bk := redistream.New(rdb)
		return &brokerHandle{
			broker: bk,
			close: func() {
				_ = bk.Close()
				_ = rdb.Close()
			},
		}, nil
	case cfgpkg.BrokerMem:
		bk := membroker.New()
		return &brokerHandle{broker: bk, close: func() { _ = bk.Close() }}, nil
	default:
		return nil, fmt.Errorf("broker kind must be nats|redis|mem, got %q", cfg.Broker.Kind)
	}
}
