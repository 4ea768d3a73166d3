// Command server runs the transport core: MCP over streamable HTTP or
// stdio, plus the mission-control WebSocket endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/oneagent/transportcore/config"
	"github.com/oneagent/transportcore/engine"
	"github.com/oneagent/transportcore/metrics"
	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
	"github.com/oneagent/transportcore/transport/missioncontrol"
	"github.com/oneagent/transportcore/transport/stdio"
	"github.com/oneagent/transportcore/transport/streamable"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	stdioMode := flag.Bool("stdio", false, "serve MCP over stdio instead of HTTP")
	flag.Parse()

	// stdout is reserved for protocol bytes in stdio mode, so logs
	// always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *stdioMode, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, stdioMode bool, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	clock := server.SystemClock()
	eng := buildEngine(clock)

	m := metrics.New()
	dispatcher := server.NewDispatcher(eng, server.Options{
		ServerInfo: protocol.ServerInfo{
			Name:    cfg.Server.Name,
			Version: cfg.Server.Version,
		},
		Instructions:    cfg.Server.Instructions,
		SamplingEnabled: cfg.Server.SamplingEnabled,
		OAuth2:          cfg.OAuth2(),
		Clock:           clock,
		Logger:          logger,
	})
	dispatcher.Use(
		server.RecoveryMiddleware(logger, clock),
		server.LoggingMiddleware(logger),
		server.MetricsMiddleware(m),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stdioMode {
		if err := eng.Initialize("stdio"); err != nil {
			return err
		}
		defer eng.Shutdown()
		logger.Info("serving MCP over stdio")
		return stdio.NewServer(dispatcher, stdio.Options{Logger: logger}).Serve(ctx)
	}

	if err := eng.Initialize("streamable-http"); err != nil {
		return err
	}
	defer eng.Shutdown()

	sessions := server.NewSessionStore(cfg.SessionTTL(), clock, logger)
	events := server.NewEventLog(cfg.Session.MaxEventsPerSession, clock, logger)
	origins := server.NewOriginValidator(cfg.Origin, logger)
	origins.SetMetrics(m)

	mcpHandler := streamable.NewHandler(dispatcher, sessions, events, origins, streamable.Options{
		Clock:   clock,
		Logger:  logger,
		Metrics: m,
	})

	factory := missioncontrol.NewFrameFactory(dispatcher.ProtocolVersion(), missioncontrol.FrameServer{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, clock)
	registry := missioncontrol.NewRegistry()
	subs := missioncontrol.NewSubscriptionManager(registry, factory, logger)
	missions := missioncontrol.NewExecutor(eng, factory, clock, logger)
	missions.SetRecorder(m)
	monitor := missioncontrol.NewMonitor(subs, missions, m, clock, logger, 10*time.Second)
	if err := monitor.Register(registry); err != nil {
		return err
	}
	if !cfg.Server.DisableAutoMonitoring {
		monitor.Start()
		defer monitor.Stop()
	}
	wsServer := missioncontrol.NewServer(factory, registry, subs, missions, origins, missioncontrol.Options{
		Logger:  logger,
		Metrics: m,
	})

	maintenance := cron.New()
	if !cfg.Server.DisableAutoMonitoring {
		if _, err := maintenance.AddFunc("@every 5m", func() {
			sessions.CleanupExpired()
			m.SetActiveSessions(len(sessions.ListActive()))
		}); err != nil {
			return err
		}
		if _, err := maintenance.AddFunc("@every 10m", func() {
			if removed := events.CleanupOlderThan(cfg.EventMaxAge()); removed > 0 {
				logger.Info("evicted stale events", slog.Int("count", removed))
			}
		}); err != nil {
			return err
		}
		maintenance.Start()
		defer maintenance.Stop()
	}

	router := mux.NewRouter()
	router.Handle("/mcp", mcpHandler)
	router.Handle(missioncontrol.DefaultPath, wsServer)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", handleHealth(cfg)).Methods(http.MethodGet)
	router.HandleFunc("/info", handleInfo(cfg, registry)).Methods(http.MethodGet)
	agentCard := handleAgentCard(cfg)
	router.HandleFunc("/.well-known/agent-card.json", agentCard).Methods(http.MethodGet)
	router.HandleFunc("/.well-known/agent.json", agentCard).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.Addr()),
			slog.String("mcp", "/mcp"),
			slog.String("missionControl", missioncontrol.DefaultPath),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildEngine registers the default local catalog. Deployments embed
// their own engine; this one keeps the server useful out of the box.
func buildEngine(clock server.Clock) *engine.LocalEngine {
	eng := engine.NewLocal()

	type echoArgs struct {
		Text string `json:"text" jsonschema:"description=Text to echo back"`
	}
	_ = eng.RegisterTool("echo", "Echo the given text back to the caller", "utility", echoArgs{},
		func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var in echoArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			return map[string]string{"echo": in.Text}, nil
		})

	_ = eng.RegisterTool("server_time", "Report the server's current time", "utility", nil,
		func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			now := clock.Now().UTC()
			return map[string]interface{}{
				"iso":  now.Format(time.RFC3339),
				"unix": now.Unix(),
			}, nil
		})

	eng.RegisterResource(engine.Resource{
		URI:         "agent://status",
		Name:        "Agent status",
		Description: "Live status summary of the agent process",
		MimeType:    "application/json",
	}, func(ctx context.Context, uri string) (string, error) {
		data, err := json.Marshal(map[string]string{"status": "ok"})
		return string(data), err
	})

	eng.RegisterResourceTemplate(engine.ResourceTemplate{
		URITemplate: "agent://missions/{missionId}",
		Name:        "Mission record",
		Description: "Terminal record of a finished mission",
		MimeType:    "application/json",
		Annotations: map[string]string{"audience": "assistant"},
	})

	eng.RegisterPrompt(engine.Prompt{
		Name:        "summarize",
		Description: "Summarize the supplied text",
		Arguments: []engine.PromptArgument{
			{Name: "text", Description: "Text to summarize", Required: true},
		},
	}, func(ctx context.Context, args map[string]string) (interface{}, error) {
		return map[string]interface{}{
			"messages": []map[string]interface{}{
				{"role": "user", "content": "Summarize: " + args["text"]},
			},
		}, nil
	})

	return eng
}

func handleHealth(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"status":  "ok",
			"name":    cfg.Server.Name,
			"version": cfg.Server.Version,
		})
	}
}

func handleInfo(cfg *config.Config, registry *missioncontrol.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"name":            cfg.Server.Name,
			"version":         cfg.Server.Version,
			"protocolVersion": protocol.MCPVersion,
			"endpoints": map[string]string{
				"mcp":            "/mcp",
				"missionControl": missioncontrol.DefaultPath,
				"metrics":        "/metrics",
			},
			"channels": registry.List(),
		})
	}
}

func handleAgentCard(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if host == "" {
			host = cfg.Addr()
		}
		writeJSON(w, map[string]interface{}{
			"name":            cfg.Server.Name,
			"version":         cfg.Server.Version,
			"protocolVersion": protocol.MCPVersion,
			"url":             fmt.Sprintf("http://%s/mcp", host),
			"capabilities": map[string]bool{
				"streaming":      true,
				"missionControl": true,
			},
			"supportedVersions": strings.Join(protocol.GetSupportedVersions(), ","),
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
