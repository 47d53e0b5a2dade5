package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/bridge"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/command"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/config"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/httpapi"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/mcpserver"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/projection"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/reflex"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/transport"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/virtual"
)

// app is the fully wired bridge. Transports and servers are started by Run
// variants and stopped by Close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	devices *registry.Store
	matrix  *ports.Matrix
	mcp     *mcpserver.Server
	httpSrv *httpapi.Server

	mqtt    *transport.MQTT
	stream  *transport.StreamServer
	history *reflex.History
	engine  *reflex.Engine
}

// buildApp loads persisted state and wires every component together.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	devices := registry.NewStore(cfg.Paths.Devices, logger)
	if err := devices.Load(); err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	portStore := ports.NewStore()
	matrix := ports.NewMatrix(cfg.Paths.Routing, logger)
	if err := matrix.Load(); err != nil {
		return nil, fmt.Errorf("load routing matrix: %w", err)
	}
	projStore := projection.NewStore(cfg.Paths.Projections, logger)
	if err := projStore.Load(); err != nil {
		return nil, fmt.Errorf("load projections: %w", err)
	}
	toolReg := projection.NewToolRegistry(projStore, devices, logger)
	vstore := virtual.NewStore(cfg.Paths.VirtualTool, logger)
	if err := vstore.Load(); err != nil {
		return nil, fmt.Errorf("load virtual tools: %w", err)
	}

	// Outbound is wired after the transports exist.
	cmdRouter := command.NewRouter(devices, nil, cfg.Command.Timeout, command.WithLogger(logger))
	portRouter := ports.NewRouter(matrix, nil, logger)

	handler := bridge.NewHandler(devices, cmdRouter, portStore, portRouter, projStore, toolReg, logger)

	var mqttT *transport.MQTT
	var streamT *transport.StreamServer
	var broker bridge.BrokerPublisher
	var streamSender bridge.StreamSender
	if cfg.Broker.Enabled {
		mqttT = transport.NewMQTT(cfg.Broker, handler, logger)
		broker = mqttT
	}
	if cfg.Stream.Enabled {
		streamT = transport.NewStreamServer(cfg.Stream, handler, logger)
		streamSender = streamT
	}

	dispatcher := bridge.NewDispatcher(devices, broker, streamSender, logger)
	cmdRouter.SetOutbound(dispatcher)
	portRouter.SetSink(dispatcher)
	handler.SetClaims(dispatcher)

	invoker := bridge.NewToolInvoker(cmdRouter)
	executor := virtual.NewExecutor(vstore, devices, invoker, logger)

	mcpSrv := mcpserver.New("saba", version, mcpserver.Deps{
		Devices:     devices,
		PortStore:   portStore,
		Matrix:      matrix,
		PortRouter:  portRouter,
		PortSink:    dispatcher,
		Projections: projStore,
		Tools:       toolReg,
		Virtual:     vstore,
		Executor:    executor,
		Invoker:     invoker,
		Assets:      cmdRouter,
	}, logger)
	handler.SetOnRebuild(mcpSrv.Sync)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		devices: devices,
		matrix:  matrix,
		mcp:     mcpSrv,
		mqtt:    mqttT,
		stream:  streamT,
	}

	if cfg.Reflex.Enabled {
		history, err := reflex.OpenHistory(cfg.Paths.History)
		if err != nil {
			return nil, fmt.Errorf("open reflex history: %w", err)
		}
		a.history = history
		a.engine = reflex.NewEngine(
			cfg.Paths.ReflexDir,
			mcpSrv.Surface(),
			history,
			logger,
			reflex.WithTickInterval(cfg.Reflex.TickInterval),
			reflex.WithLLM(reflex.NewLLMClient(cfg.LLM.APIKey, cfg.LLM.Model)),
		)
	}

	a.httpSrv = httpapi.New(httpapi.Deps{
		Devices:  devices,
		Ports:    portStore,
		Matrix:   matrix,
		Router:   portRouter,
		Virtual:  vstore,
		Reloader: &surfaceReloader{tools: toolReg, mcp: mcpSrv},
		Reflexes: reflexView(a.engine),
		History:  historyView(a.history),
	}, logger)

	return a, nil
}

// surfaceReloader re-reads projection config and republishes the tool
// surface, for the management reload endpoint and virtual tool edits.
type surfaceReloader struct {
	tools *projection.ToolRegistry
	mcp   *mcpserver.Server
}

func (r *surfaceReloader) Reload() error {
	if err := r.tools.Reload(); err != nil {
		return err
	}
	r.mcp.Sync()
	return nil
}

// reflexView avoids handing httpapi a typed-nil interface when the engine
// is disabled.
func reflexView(e *reflex.Engine) httpapi.ReflexView {
	if e == nil {
		return nil
	}
	return e
}

func historyView(h *reflex.History) httpapi.HistoryView {
	if h == nil {
		return nil
	}
	return h
}

// start brings up transports, the REST surface, and the reflex engine. The
// MCP transport is the caller's choice (SSE or stdio).
func (a *app) start(ctx context.Context) error {
	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			return fmt.Errorf("start broker transport: %w", err)
		}
	}
	if a.stream != nil {
		if err := a.stream.Start(); err != nil {
			return fmt.Errorf("start stream transport: %w", err)
		}
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.HTTP.Host, a.cfg.HTTP.Port)
	if err := a.httpSrv.Start(addr); err != nil {
		return err
	}
	if a.engine != nil {
		go a.engine.Start(ctx)
	}
	return nil
}

func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.logger.Warn("stream close", "error", err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("history close", "error", err)
		}
	}
}
