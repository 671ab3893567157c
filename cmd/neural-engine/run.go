// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neurascale/neural-engine/pkg/api"
	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/devicemanager"
	"github.com/neurascale/neural-engine/pkg/discovery"
	"github.com/neurascale/neural-engine/pkg/ingestion"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/pipeline"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/stream"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
	logsetup "github.com/neurascale/neural-engine/pkg/util/log/setup"
	"github.com/neurascale/neural-engine/pkg/version"
)

// reconcileInterval is the cadence of ledger replica repair.
const reconcileInterval = time.Minute

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg)
		},
	}
}

// stores bundles the persistence layers picked by configuration.
type stores struct {
	chain      ledger.ChainStore
	analytical ledger.AnalyticalStore
	index      ledger.DocumentIndex
	sink       pipeline.FrameSink
	frames     api.FrameSource
	sessions   devicemanager.SessionStore
}

func openStores(cfg *config.Config) (*stores, error) {
	s := &stores{}
	if cfg.StorageSQLitePath != "" {
		chain, err := ledger.NewSQLiteChainStore(cfg.StorageSQLitePath)
		if err != nil {
			return nil, err
		}
		s.chain = chain
	} else {
		s.chain = ledger.NewMemoryChainStore()
	}
	if cfg.StorageAnalyticalDSN != "" {
		analytical, err := ledger.NewSQLAnalyticalStore("pgx", cfg.StorageAnalyticalDSN)
		if err != nil {
			return nil, err
		}
		s.analytical = analytical
	} else {
		s.analytical = ledger.NewMemoryAnalyticalStore()
	}
	if cfg.StorageRedisAddress != "" {
		s.index = ledger.NewRedisDocumentIndex(cfg.StorageRedisAddress)
	} else {
		s.index = ledger.NewMemoryDocumentIndex()
	}

	switch {
	case cfg.StorageAnalyticalDSN != "":
		sink, err := pipeline.NewSQLFrameSink("pgx", cfg.StorageAnalyticalDSN)
		if err != nil {
			return nil, err
		}
		s.sink, s.frames = sink, sink
		sessions, err := devicemanager.NewSQLSessionStore("pgx", cfg.StorageAnalyticalDSN)
		if err != nil {
			return nil, err
		}
		s.sessions = sessions
	case cfg.StorageSQLitePath != "":
		sink, err := pipeline.NewSQLFrameSink("sqlite3", cfg.StorageSQLitePath+".frames")
		if err != nil {
			return nil, err
		}
		s.sink, s.frames = sink, sink
		sessions, err := devicemanager.NewSQLSessionStore("sqlite3", cfg.StorageSQLitePath+".sessions")
		if err != nil {
			return nil, err
		}
		s.sessions = sessions
	default:
		sink := pipeline.NewMemoryFrameSink()
		s.sink, s.frames = sink, memoryFrames{sink}
	}
	return s, nil
}

// memoryFrames adapts the in-memory sink to the control-plane read path.
type memoryFrames struct {
	sink *pipeline.MemoryFrameSink
}

func (m memoryFrames) Frames(_ context.Context, sessionID string) ([]*types.FeatureFrame, error) {
	return m.sink.Frames(sessionID), nil
}

func probes(cfg *config.Config) []discovery.Probe {
	var out []discovery.Probe
	if cfg.DiscoverySerialEnabled {
		out = append(out, discovery.SerialProbe{})
	}
	if cfg.DiscoveryBluetoothEnabled {
		out = append(out, discovery.BluetoothProbe{ScanWindow: cfg.DiscoveryProbeTimeout})
	}
	if cfg.DiscoveryMDNSEnabled {
		out = append(out, discovery.MDNSProbe{Window: cfg.DiscoveryProbeTimeout})
	}
	if cfg.DiscoveryLSLEnabled {
		out = append(out, discovery.LSLProbe{})
	}
	if cfg.DiscoverySynthetic {
		out = append(out, discovery.SyntheticProbe{Enabled: true})
	}
	return out
}

func telemetryExporters(cfg *config.Config) ([]devicemanager.Exporter, error) {
	var exporters []devicemanager.Exporter
	if cfg.TelemetryFilePath != "" {
		file, err := devicemanager.NewFileExporter(cfg.TelemetryFilePath)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, file)
	}
	if cfg.TelemetryStatsdAddress != "" {
		statsd, err := devicemanager.NewStatsdExporter(cfg.TelemetryStatsdAddress)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, statsd)
	}
	return exporters, nil
}

func runEngine(ctx context.Context, cfg *config.Config) error {
	if err := logsetup.SetupLogging(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	defer log.Flush()
	log.Infof("neural engine %s starting", version.Full())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc := health.NewCatalog(nil)

	var broker stream.Broker
	if cfg.StorageRedisAddress != "" {
		broker = stream.NewRedisBroker(cfg.StorageRedisAddress)
	} else {
		broker = stream.NewMemoryBroker()
	}
	defer broker.Close()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.chain.Close()
	defer st.analytical.Close()
	defer st.index.Close()

	var signer ledger.Signer
	if cfg.LedgerSigningKeyID != "" {
		signer, err = ledger.NewLocalSigner(cfg.LedgerSigningKeyID)
		if err != nil {
			return err
		}
	}
	lg, err := ledger.New(ledger.Options{
		Shards:            cfg.LedgerShardCount,
		Chain:             st.chain,
		Analytical:        st.analytical,
		Index:             st.index,
		Signer:            signer,
		Broker:            broker,
		RootInterval:      cfg.LedgerRootInterval,
		ReconcileInterval: reconcileInterval,
		Health:            hc,
	})
	if err != nil {
		return err
	}
	if err := lg.Start(ctx); err != nil {
		return err
	}

	scanner := discovery.NewScanner(nil, hc, probes(cfg)...)
	exporters, err := telemetryExporters(cfg)
	if err != nil {
		return err
	}
	ring := devicemanager.NewTelemetryRing(cfg.TelemetryBufferSize, cfg.TelemetryFlushWatermark,
		cfg.TelemetryFlushInterval, nil, exporters...)
	defer ring.Close()

	// The manager's chunk sink feeds ingestion; the service is wired just
	// below, before any device can start streaming.
	var ingest *ingestion.Service
	mgr := devicemanager.New(cfg, lg, scanner, ring, func(ctx context.Context, chunk *types.SampleChunk) {
		if _, err := ingest.Ingest(ctx, chunk); err != nil {
			log.Debugf("streamed chunk dropped: %v", err)
		}
	}, nil)
	mgr.Store = st.sessions
	ingest = ingestion.New(cfg, broker, lg, mgr, nil)

	proc := pipeline.New(cfg, broker, lg, st.sink, nil)
	srv := api.New(cfg, mgr, ingest, lg, lg.Lockdown(), st.frames, hc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ingest.Run(ctx, hc)
		return nil
	})
	g.Go(func() error {
		return proc.Run(ctx, hc)
	})
	g.Go(func() error {
		mgr.RunHealthMonitor(ctx, hc)
		return nil
	})
	g.Go(func() error {
		ring.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})

	err = g.Wait()
	lg.Wait()
	log.Infof("neural engine stopped")
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
