package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/api"
	"github.com/comfy-relay/backend/internal/artifact"
	"github.com/comfy-relay/backend/internal/comfy"
	"github.com/comfy-relay/backend/internal/config"
	"github.com/comfy-relay/backend/internal/logging"
	"github.com/comfy-relay/backend/internal/mock"
	"github.com/comfy-relay/backend/internal/monitor"
	"github.com/comfy-relay/backend/internal/orchestrator"
	"github.com/comfy-relay/backend/internal/sink"
	"github.com/comfy-relay/backend/internal/workflow"
	"github.com/comfy-relay/backend/internal/ws"
)

const (
	startupProbeTimeout = 10 * time.Second
	shutdownInterrupt   = 10 * time.Second
)

func main() {
	mockMode := flag.Bool("mock", false, "Run against a built-in mock backend")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	envPath := flag.String("env", ".env", "Path to .env file")
	port := flag.Int("port", 0, "Override HTTP server port")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", *envPath).Msg("Failed to load env file")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatal().Err(err).Msg("Invalid environment override")
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}

	closer, err := logging.Init(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logging")
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		if err := startMockBackend(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to start mock backend")
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	client := comfy.NewClient(cfg.BackendURL())
	client.SetProbeTimeout(cfg.Artifact.ProbeTimeout)

	log.Info().Str("url", cfg.BackendURL()+"/system_stats").Msg("Testing connectivity to backend")
	probeCtx, probeCancel := context.WithTimeout(ctx, startupProbeTimeout)
	err = client.SystemStats(probeCtx)
	probeCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to backend server. Please make sure it's running.")
	}
	log.Info().Msg("Backend connection successful")

	store := workflow.NewStore()
	if err := store.Load(cfg.Comfy.Workflow); err != nil {
		if !*mockMode {
			log.Fatal().Err(err).Str("workflow", cfg.Comfy.Workflow).Msg("Failed to load workflow")
		}
		log.Warn().Err(err).Msg("Using built-in sample workflow")
		if err := store.LoadBytes([]byte(mock.SampleWorkflow), "mock sample"); err != nil {
			log.Fatal().Err(err).Msg("Failed to load sample workflow")
		}
	}

	registry := ws.NewRegistry()
	attachSinks(ctx, cfg, registry)

	upstream := comfy.NewUpstream(cfg.BackendSocketURL(), cfg.Execution.HandshakeTimeout)
	resolver := artifact.NewResolver(client, artifact.Options{
		OutputNode:  cfg.Comfy.OutputNode,
		MaxAttempts: cfg.Artifact.MaxAttempts,
		BaseDelay:   cfg.Artifact.BaseDelay,
		StepDelay:   cfg.Artifact.StepDelay,
	})
	orch := orchestrator.New(client, upstream, resolver, registry, orchestrator.Options{
		OutputNode:     cfg.Comfy.OutputNode,
		ReceiveTimeout: cfg.Execution.ReceiveTimeout,
		SettleDelay:    cfg.Execution.SettleDelay,
		DrainDelay:     cfg.Execution.DrainDelay,
		OverallTimeout: cfg.Execution.OverallTimeout,
	})
	defer orch.Close()

	mon := monitor.NewMonitor(client, registry, cfg.Monitor)
	go mon.Start(ctx)

	relay := ws.NewServer(registry, cfg.Relay)
	relayMux := http.NewServeMux()
	relay.SetupRoutes(relayMux)

	apiServer := api.NewServer(orch, store, relay, mon, api.Options{
		BackendAddr: fmt.Sprintf("%s:%d", cfg.Comfy.Host, cfg.Comfy.Port),
		OutputNode:  cfg.Comfy.OutputNode,
	})
	apiMux := http.NewServeMux()
	apiServer.SetupRoutes(apiMux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down...")
		if orch.Running() {
			waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownInterrupt)
			if err := orch.Interrupt().Wait(waitCtx); err != nil {
				log.Warn().Err(err).Msg("Interrupt on shutdown")
			}
			waitCancel()
		}
		cancel()
	}()

	var wg sync.WaitGroup
	serve := func(name, host string, port int, h http.Handler) {
		defer wg.Done()
		if err := ws.ListenAndServe(ctx, name, host, port, h); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("server", name).Msg("Server error")
			cancel()
		}
	}
	wg.Add(2)
	go serve("relay", cfg.Relay.Host, cfg.Relay.Port, relayMux)
	go serve("http", cfg.HTTP.Host, cfg.HTTP.Port, apiMux)

	log.Info().
		Str("http", fmt.Sprintf("http://%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)).
		Str("relay", fmt.Sprintf("ws://%s:%d", cfg.Relay.Host, cfg.Relay.Port)).
		Msg("All servers ready")

	wg.Wait()
	registry.CloseAll()
	log.Info().Msg("Shutdown complete")
}

// startMockBackend serves the scripted backend on a loopback port and points
// cfg at it.
func startMockBackend(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	backend := mock.NewBackend(cfg.Comfy.OutputNode)
	backend.Pace = 250 * time.Millisecond
	srv := &http.Server{Handler: backend.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg.Comfy.Host = "127.0.0.1"
	cfg.Comfy.Port = addr.Port
	log.Info().Int("port", addr.Port).Msg("Starting in mock mode")
	return nil
}

// attachSinks registers the enabled broker sinks. A sink that cannot
// connect is logged and skipped.
func attachSinks(ctx context.Context, cfg *config.Config, registry *ws.Registry) {
	if cfg.Sinks.MQTT.Enabled {
		if s, err := sink.DialMQTT(cfg.Sinks.MQTT); err != nil {
			log.Error().Err(err).Msg("MQTT sink disabled")
		} else {
			registry.Register(ws.NewPublisherConn(s, cfg.Relay.SendBuffer))
			log.Info().Str("sink", s.String()).Msg("Event sink attached")
		}
	}
	if cfg.Sinks.Redis.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s, err := sink.DialRedis(dialCtx, cfg.Sinks.Redis)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Redis sink disabled")
		} else {
			registry.Register(ws.NewPublisherConn(s, cfg.Relay.SendBuffer))
			log.Info().Str("sink", s.String()).Msg("Event sink attached")
		}
	}
}
