package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyfleet/fleetcore/internal/api"
	"github.com/skyfleet/fleetcore/internal/archive"
	"github.com/skyfleet/fleetcore/internal/config"
	"github.com/skyfleet/fleetcore/internal/dispatch"
	"github.com/skyfleet/fleetcore/internal/entity"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/history"
	"github.com/skyfleet/fleetcore/internal/logging"
	"github.com/skyfleet/fleetcore/internal/mission"
)

var (
	serveConfigPath string
	serveSchemaPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath, serveSchemaPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config/fleetd.yaml", "path to fleetd configuration YAML")
	serveCmd.Flags().StringVar(&serveSchemaPath, "schema", "config/schema.cue", "path to CUE schema file")
}

// linkCommander is the uplink stub used until a vehicle transport is
// attached: it logs each directive and acknowledges immediately.
type linkCommander struct {
	log *slog.Logger
}

func (c linkCommander) Send(_ context.Context, cmd mission.Command) error {
	c.log.Info("directive", "agent", cmd.AgentID, "command", cmd.Name, "params", cmd.Params)
	return nil
}

func serve(cfg *config.Config) error {
	log := logging.New()

	db, err := history.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store := history.NewStore(db)
	bus := eventbus.NewBus(store)
	index := dispatch.NewIndex()
	compactor := history.NewCompactor(store, logging.For(log, "compactor"))

	archiver, closeArchive, err := buildArchiver(cfg, log)
	if err != nil {
		return err
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	registry := entity.NewRegistry(entity.Options{
		Bus:              bus,
		Store:            store,
		Compactor:        compactor,
		Index:            index,
		Archiver:         archiver,
		Commander:        linkCommander{log: logging.For(log, "uplink")},
		Log:              logging.For(log, "entity"),
		DetectionProfile: cfg.Detection.Profile(),
		GraceWindow:      cfg.Runtime.GraceWindow(),
		CheckpointEvery:  cfg.Runtime.CheckpointEvery,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compactorDone := make(chan struct{})
	go func() {
		compactor.Run(ctx)
		close(compactorDone)
	}()

	if err := enrollAgents(ctx, cfg, store, registry, log); err != nil {
		return err
	}

	server := &api.Server{
		Registry:   registry,
		Bus:        bus,
		Dispatcher: dispatch.NewDispatcher(index),
		Store:      store,
		StartedAt:  time.Now().UTC(),
	}
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: logRequests(log, server.Handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("fleetd listening", "addr", cfg.Server.Addr, "cluster", cfg.ClusterID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	registry.Close()
	cancel()
	<-compactorDone
	return nil
}

// buildArchiver assembles the mission archive sinks from config. Returns a
// nil Writer when archiving is disabled.
func buildArchiver(cfg *config.Config, log *slog.Logger) (archive.Writer, func(), error) {
	var writers []archive.Writer
	var closers []func()

	if path := cfg.Archive.FilePath; path != "" {
		fw, err := archive.NewFileWriter(path)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, fw)
		closers = append(closers, func() { _ = fw.Close() })
	}
	if endpoint := cfg.Archive.GreptimeEndpoint; endpoint != "" {
		gw, err := archive.NewGreptimeWriter(endpoint, cfg.Archive.GreptimeDatabase, cfg.ClusterID)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, gw)
		log.Info("mission archive to greptimedb enabled", "endpoint", endpoint)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(writers) {
	case 0:
		return nil, nil, nil
	case 1:
		return writers[0], closeAll, nil
	default:
		return archive.NewMultiWriter(writers...), closeAll, nil
	}
}

// enrollAgents starts actors for every agent known from a previous run,
// then for any configured agent not yet enrolled.
func enrollAgents(ctx context.Context, cfg *config.Config, store *history.Store, registry *entity.Registry, log *slog.Logger) error {
	known, err := store.CheckpointedAgents(ctx)
	if err != nil {
		return err
	}
	enrolled := map[string]bool{}
	for _, id := range known {
		if _, err := registry.Enroll(ctx, id, fleetAttributesFor(cfg, id)); err != nil {
			return err
		}
		enrolled[id] = true
	}

	for _, agent := range cfg.Agents {
		if enrolled[agent.ID] {
			continue
		}
		if _, err := registry.Enroll(ctx, agent.ID, agent.Attributes); err != nil {
			return err
		}
	}
	log.Info("agents enrolled", "rehydrated", len(known), "configured", len(cfg.Agents))
	return nil
}

func fleetAttributesFor(cfg *config.Config, agentID string) fleet.Attributes {
	for _, agent := range cfg.Agents {
		if agent.ID == agentID {
			return agent.Attributes
		}
	}
	return fleet.Attributes{}
}

func logRequests(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
