package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	httpserver "raftcore/internal/http"
	"raftcore/pkg/cluster"
	"raftcore/pkg/compression"
	"raftcore/pkg/config"
	"raftcore/pkg/kv"
	"raftcore/pkg/metrics"
	"raftcore/pkg/raftadapter"
	"raftcore/pkg/raftlog"
	"raftcore/pkg/replication"
	"raftcore/pkg/rpc"
	"raftcore/pkg/session"
	"raftcore/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("raftcore stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("raftcore stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	me := types.MemberFromRaftID(cfg.Node.ID)

	// --- физический raft-лог ---
	codec, err := compression.Wrap(cfg.Log.Compression, raftlog.RawCodec{})
	if err != nil {
		return err
	}
	if c, ok := codec.(interface{ Close() }); ok {
		defer c.Close()
	}
	journal, err := raftlog.Open(cfg.Log.Dir, raftlog.Options{
		BaseName:        cfg.Log.BaseName,
		RotateAtSize:    cfg.Log.RotateAtSize,
		OffsetCacheSize: cfg.Log.OffsetCacheSize,
		Codec:           codec,
	})
	if err != nil {
		return fmt.Errorf("open raft log: %w", err)
	}
	defer journal.Close()

	hardState, err := raftadapter.NewBoltHardStateStore(filepath.Join(cfg.Log.Dir, "raft-state.db"))
	if err != nil {
		return fmt.Errorf("open raft state: %w", err)
	}
	defer hardState.Close()

	// --- state machine и дедупликация сессий ---
	sessions := session.NewMemoryTracker()

	registry := metrics.NewRegistry()
	guard := replication.NewLifecycleGuard()
	leaders := replication.NewLeaderProvider()
	global := session.NewGlobalSession(me)
	tracker := replication.NewProgressTracker(global)
	sm := kv.NewStateMachine()

	feed := replication.NewCommitFeed(replication.NewApplier(tracker, sessions, sm), cfg.Replication.CommitBuffer)
	feed.Start(ctx)
	defer feed.Stop()

	members := make(map[types.MemberID]string, len(cfg.Raft.Peers))
	for _, p := range cfg.Raft.Peers {
		members[types.MemberFromRaftID(p.ID)] = p.Address
	}
	httpOut := rpc.NewHTTPOutbound(members, cfg.Replication.RetryTimeout)

	// --- источник лидера: raft или ZooKeeper ---
	var (
		replicator     *replication.Replicator
		onLeaderChange func(types.MemberID)
		locator        replication.LeaderLocator
		zkRegistry     *cluster.ZKLeaderRegistry
	)
	switch cfg.LeaderSource.Kind {
	case config.LeaderSourceZookeeper:
		zkRegistry, err = cluster.NewZKLeaderRegistry(cfg.LeaderSource.ZKServers, cfg.LeaderSource.ZKRoot, me, cfg.LeaderSource.SessionTimeout)
		if err != nil {
			return err
		}
		defer zkRegistry.Close()
		if err := zkRegistry.RegisterSelf(cfg.Node.Address); err != nil {
			return err
		}
		onLeaderChange = zkRegistry.OnLocalLeaderChange
		locator = zkRegistry
	default:
		onLeaderChange = func(l types.MemberID) { replicator.OnLeaderSwitch(l) }
	}

	node, err := raftadapter.NewNode(cfg.Node.ID, &cfg.Raft, raftadapter.Deps{
		Journal:        journal,
		HardState:      hardState,
		Commits:        feed,
		OnLeaderChange: onLeaderChange,
	})
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}
	if locator == nil {
		locator = node
	}

	// Локальная доставка идёт прямо в raft, остальные через HTTP
	outbound := replication.OutboundFunc(func(ctx context.Context, to types.MemberID, msg replication.NewEntryRequest, block bool) error {
		if to == me {
			return node.Propose(ctx, msg.Operation)
		}
		return httpOut.Send(ctx, to, msg, block)
	})

	replicator = replication.NewReplicator(
		replication.Config{
			Me:                 me,
			RetryTimeout:       cfg.Replication.RetryTimeout,
			LeaderAwaitTimeout: cfg.Replication.LeaderAwaitTimeout,
		},
		replication.Deps{
			Outbound:  outbound,
			Locator:   locator,
			Leaders:   leaders,
			Sessions:  session.NewLocalSessionPool(global),
			Tracker:   tracker,
			Throttler: replication.NewThrottler(cfg.Replication.ThrottleCapacity),
			Guard:     guard,
			Metrics:   registry,
		},
	)

	if zkRegistry != nil {
		zkRegistry.RunWatch(ctx, replicator.OnLeaderSwitch)
		zkRegistry.RunMembersWatch(ctx, func(m map[types.MemberID]string) {
			for id, addr := range m {
				httpOut.SetAddress(id, addr)
			}
		})
	}

	nodeErr := make(chan error, 1)
	go func() {
		nodeErr <- node.Run(ctx)
	}()

	server := httpserver.NewServer(httpserver.Deps{
		Replicator:   replicator,
		Node:         node,
		StateMachine: sm,
		Metrics:      registry,
	}, cfg.Server.Port, cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("raftcore started", "member", me, "port", cfg.Server.Port, "log_dir", cfg.Log.Dir)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-nodeErr:
		if !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("raft node: %w", err)
		}
	}

	guard.Shutdown(replication.ErrShutdown)
	leaders.Shutdown()
	if err := server.Stop(); err != nil {
		slog.Error("failed to stop HTTP server", "error", err)
	}
	_ = node.Stop()
	return runErr
}
