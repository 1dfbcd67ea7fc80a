package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/devicebroker/pkg/a2aserver"
	"github.com/kadirpekel/devicebroker/pkg/agentclient"
	"github.com/kadirpekel/devicebroker/pkg/config"
	"github.com/kadirpekel/devicebroker/pkg/config/provider"
	"github.com/kadirpekel/devicebroker/pkg/devicetool/grpcdevice"
	"github.com/kadirpekel/devicebroker/pkg/devicetool/mcpdevice"
	"github.com/kadirpekel/devicebroker/pkg/dispatch"
	"github.com/kadirpekel/devicebroker/pkg/llmport"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/manifest"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/repository"
	"github.com/kadirpekel/devicebroker/pkg/router"
	"github.com/kadirpekel/devicebroker/pkg/scanloop"
	"github.com/kadirpekel/devicebroker/pkg/streamstore"
	"github.com/kadirpekel/devicebroker/pkg/task"
	"github.com/kadirpekel/devicebroker/pkg/workerpool"
)

// ServeCmd starts the broker's transports and background loops.
type ServeCmd struct {
	Port     int `help:"JSON-RPC listen port." default:"8090"`
	RESTPort int `name:"rest-port" help:"REST listen port (0 = keep the config's rest_port; REST shares the JSON-RPC port when that is 0 or equal to it)."`
}

// broker bundles every long-lived component the serve command starts,
// so Close can unwind it in reverse wiring order.
type broker struct {
	db      *sql.DB
	devices *registry.DeviceRegistry
	tasks   *task.Manager
	builder *manifest.Builder
	loop    *scanloop.Loop
	pool    *workerpool.Pool
	handler *a2aserver.Handler
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("devicebroker: shutting down")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.RESTPort != 0 {
		cfg.Server.RESTPort = c.RESTPort
	}

	b, err := wireBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	go b.loop.Run(ctx)
	go b.builder.Watch(ctx)
	go livenessSweeper(ctx, b.devices, cfg.ScanLoop.Period)

	mux := http.NewServeMux()
	a2aserver.NewJSONRPCServer(b.handler).Routes(mux)
	mux.HandleFunc("/.well-known/agent-card.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, b.handler.GetCapabilityManifest(r.Context()))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	restRouter := a2aserver.NewRESTServer(b.handler).Routes()

	group, gctx := errgroup.WithContext(ctx)
	if cfg.Server.RESTPort == 0 || cfg.Server.RESTPort == cfg.Server.Port {
		mux.Handle("/v1/", restRouter)
		group.Go(func() error { return serveHTTP(gctx, fmt.Sprintf(":%d", cfg.Server.Port), mux) })
		logger.GetLogger().Info("devicebroker: listening", "port", cfg.Server.Port, "transports", "json-rpc+rest")
	} else {
		restMux := http.NewServeMux()
		restMux.Handle("/", restRouter)
		group.Go(func() error { return serveHTTP(gctx, fmt.Sprintf(":%d", cfg.Server.Port), mux) })
		group.Go(func() error { return serveHTTP(gctx, fmt.Sprintf(":%d", cfg.Server.RESTPort), restMux) })
		logger.GetLogger().Info("devicebroker: listening",
			"jsonrpc_port", cfg.Server.Port, "rest_port", cfg.Server.RESTPort)
	}

	return group.Wait()
}

// livenessSweeper periodically demotes devices that have gone quiet,
// on the same cadence as the Scan Loop since both read LastSeen.
func livenessSweeper(ctx context.Context, devices *registry.DeviceRegistry, period time.Duration) {
	if period <= 0 {
		period = scanloop.DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices.SweepLiveness(ctx)
		}
	}
}

// serveHTTP runs an *http.Server bound to addr until ctx is canceled,
// then shuts it down gracefully.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// loadConfig resolves cli.Config into a decoded *config.Config: a file
// provider when a path was given, Default() for zero-config startup.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		return config.Default(), nil, nil
	}
	src, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: path})
	if err != nil {
		return nil, nil, fmt.Errorf("devicebroker: config provider: %w", err)
	}
	loader := config.NewLoader(src)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, fmt.Errorf("devicebroker: load config: %w", err)
	}
	return cfg, loader, nil
}

// wireBroker constructs every component the transports depend on, in
// dependency order: storage, then device/agent ports, then the domain
// components (Registry, Router, Task Manager), then the Dispatcher and
// Handler that tie them together, then the background loops that need
// the Handler as their Sender/rebuild signal.
func wireBroker(ctx context.Context, cfg *config.Config) (*broker, error) {
	db, dialect, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	repo, err := repository.NewSQLRepository(db, dialect)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("devicebroker: repository: %w", err)
	}

	blobs, err := streamstore.NewFilesystemBlobStore(cfg.StreamStore.BlobRoot)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("devicebroker: blob store: %w", err)
	}
	streamOpts := []streamstore.Option{streamstore.WithRetention(cfg.StreamStore.Retention)}
	if cfg.StreamStore.InlineThresholdBytes > 0 {
		streamOpts = append(streamOpts, streamstore.WithInlineThreshold(cfg.StreamStore.InlineThresholdBytes))
	}
	store, err := streamstore.NewSQLStore(db, dialect, blobs, streamOpts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("devicebroker: stream store: %w", err)
	}

	port := newRoutedPort(
		grpcdevice.New(grpcdevice.Config{DialTimeout: cfg.DevicePort.GRPCDialTimeout}),
		mcpdevice.New(mcpdevice.Config{
			Transport: cfg.DevicePort.MCPTransport,
			URL:       cfg.DevicePort.MCPURL,
			Command:   cfg.DevicePort.MCPCommand,
			Args:      cfg.DevicePort.MCPArgs,
			Env:       cfg.DevicePort.MCPEnv,
		}),
	)

	devices := registry.New(registry.Config{Repository: repo, Probe: newCapabilityProbe(port)})
	if err := devices.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("devicebroker: load devices: %w", err)
	}
	bootstrapFleet(ctx, devices, repo, cfg)

	builder := manifest.New(manifest.Config{
		Name:               cfg.Manifest.Name,
		Description:        cfg.Manifest.Description,
		URL:                cfg.Manifest.URL,
		Version:            cfg.Manifest.Version,
		ProviderOrg:        cfg.Manifest.ProviderOrg,
		ProviderURL:        cfg.Manifest.ProviderURL,
		Streaming:          cfg.Manifest.Streaming,
		PushNotifications:  cfg.Manifest.PushNotifications,
	}, devices)

	// The LLM arbitration step is optional: a bare zero-config `serve`
	// routes on keyword overlap alone until a model is configured.
	var llmProvider llmport.Provider
	if cfg.LLM.Model != "" {
		openaiProvider, err := llmport.NewOpenAIProvider(llmport.Config{
			Model:              cfg.LLM.Model,
			APIKey:             cfg.LLM.APIKey,
			Host:               cfg.LLM.Host,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
			Timeout:            cfg.LLM.Timeout,
			MaxRetries:         cfg.LLM.MaxRetries,
			InsecureSkipVerify: cfg.LLM.InsecureSkipVerify,
			CACertificate:      cfg.LLM.CACertificate,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("devicebroker: llm provider: %w", err)
		}
		llmProvider = openaiProvider
	}

	agentClient, err := agentclient.New(agentclient.Config{Endpoints: repo})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("devicebroker: agent client: %w", err)
	}

	intentRouter := router.New(router.Config{
		Devices:             devices,
		Agents:              repo,
		LLM:                 llmProvider,
		MinKeywordOverlap:   cfg.Router.MinKeywordOverlap,
		ConfidenceThreshold: cfg.Router.ConfidenceThreshold,
		PromptTokenBudget:   cfg.Router.PromptTokenBudget,
	})

	pool := workerpool.New(workerpool.Config{
		Workers:     cfg.WorkerPool.Workers,
		QueueSize:   cfg.WorkerPool.QueueSize,
		SubmitGrace: cfg.WorkerPool.SubmitGrace,
	})

	tasks := task.New(task.Config{Repository: repo, Pusher: newHTTPPusher()})

	dispatcher := dispatch.New(dispatch.Config{
		Tasks:   tasks,
		Router:  intentRouter,
		Devices: devices,
		Ports:   port,
		Agents:  agentClient,
		Pool:    pool,
	})
	handler := a2aserver.New(a2aserver.Config{Tasks: tasks, Manifest: builder, Dispatcher: dispatcher})

	loop := scanloop.New(scanloop.Config{
		Devices: devices,
		Store:   store,
		Cursors: repo,
		Router:  intentRouter,
		Sender:  handler,
		Period:  cfg.ScanLoop.Period,
	})

	return &broker{
		db:      db,
		devices: devices,
		tasks:   tasks,
		builder: builder,
		loop:    loop,
		pool:    pool,
		handler: handler,
	}, nil
}

// bootstrapFleet registers every config-declared device and agent
// endpoint that isn't already known to the store, so a fleet can be
// declared once in broker.yaml instead of one `device register` call
// per device.
func bootstrapFleet(ctx context.Context, devices *registry.DeviceRegistry, repo repository.Repository, cfg *config.Config) {
	for _, d := range cfg.Devices {
		if _, ok := devices.Get(d.DeviceID); ok {
			continue
		}
		if _, err := devices.Register(ctx, registry.DeviceSpec{
			DeviceID:       d.DeviceID,
			Name:           d.Name,
			Kind:           d.Kind,
			SourceRef:      d.SourceRef,
			IntentKeywords: d.IntentKeywords,
			SystemPrompt:   d.SystemPrompt,
		}); err != nil {
			logger.GetLogger().Warn("devicebroker: bootstrap device registration failed", "deviceId", d.DeviceID, "error", err)
		}
	}
	for _, a := range cfg.Agents {
		if err := repo.SaveAgentEndpoint(ctx, &repository.AgentEndpoint{
			AgentID: a.AgentID, URL: a.URL, AuthRef: a.AuthRef, Enabled: true,
		}); err != nil {
			logger.GetLogger().Warn("devicebroker: bootstrap agent registration failed", "agentId", a.AgentID, "error", err)
		}
	}
}

func (b *broker) Close() {
	b.pool.Close()
	b.tasks.Close()
	b.db.Close()
}
