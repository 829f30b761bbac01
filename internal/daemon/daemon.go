// Package daemon assembles the long-running process: MCP fleet, chat
// engine, workflow engine, and the WebSocket/HTTP surface.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/lanternlabs/lantern/internal/chat"
	"github.com/lanternlabs/lantern/internal/config"
	"github.com/lanternlabs/lantern/internal/conversation"
	"github.com/lanternlabs/lantern/internal/events"
	"github.com/lanternlabs/lantern/internal/llm"
	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/mcp"
	"github.com/lanternlabs/lantern/internal/metrics"
	"github.com/lanternlabs/lantern/internal/schedule"
	"github.com/lanternlabs/lantern/internal/skills"
	"github.com/lanternlabs/lantern/internal/workflow"
	"github.com/lanternlabs/lantern/internal/ws"
)

// baseSystemPrompt is always present; skills append to it.
const baseSystemPrompt = "You are Lantern, a local assistant with access to the user's tools. " +
	"Use the available tools when they help answer the request."

// Daemon owns every long-lived component and the HTTP surface.
type Daemon struct {
	version string
	homeDir string
	addr    string

	hub       *ws.Hub
	convs     *conversation.Store
	wfStore   *workflow.Store
	manager   *mcp.Manager
	llmClient *llm.Client
	engine    *chat.Engine
	executor  *workflow.Executor
	builder   *workflow.Builder
	scheduler *schedule.Scheduler
	bus       *events.Bus

	httpSrv *http.Server

	// workflowID → bus subscription id, for event-triggered workflows.
	subMu     sync.Mutex
	eventSubs map[string]int
}

// New constructs the daemon. The home directory layout must already exist.
func New(version, homeDir string, port int) (*Daemon, error) {
	convs, err := conversation.NewStore(filepath.Join(homeDir, config.ConversationsDir))
	if err != nil {
		return nil, err
	}
	wfStore, err := workflow.NewStore(
		filepath.Join(homeDir, config.WorkflowsDir),
		filepath.Join(homeDir, config.ExecutionsDir),
	)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		version:   version,
		homeDir:   homeDir,
		addr:      fmt.Sprintf(":%d", port),
		hub:       ws.NewHub(),
		convs:     convs,
		wfStore:   wfStore,
		manager:   mcp.NewManager(),
		bus:       events.NewBus(),
		eventSubs: make(map[string]int),
	}

	apiKey := config.LoadAPIKey(homeDir)
	if apiKey == "" {
		logger.Warn("no API key configured; chat is disabled until one is set")
	}
	d.llmClient = llm.NewClient(apiKey)

	system := baseSystemPrompt
	if extra := skills.LoadPrompt(filepath.Join(homeDir, config.SkillsDir)); extra != "" {
		system += "\n\n" + extra
	}
	d.engine = chat.NewEngine(convs, d.llmClient, d.manager, d.bus, d.hub.Broadcast, system)

	notifier := workflow.NewNotifier(d.hub.Broadcast)
	d.executor = workflow.NewExecutor(wfStore, d.manager, notifier, d.hub.Broadcast)
	d.builder = workflow.NewBuilder(d.manager)
	d.scheduler = schedule.NewScheduler(d.onScheduleFire)

	d.hub.SetHandler(d.handle)
	d.hub.SetOnConnect(d.onConnect)
	return d, nil
}

// Start spawns the MCP fleet, registers workflow triggers, and begins
// serving. It blocks until ctx is cancelled or the listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	mcpCfg, err := config.LoadMCPConfig(d.homeDir)
	if err != nil {
		return fmt.Errorf("load MCP config: %w", err)
	}
	d.manager.StartAll(ctx, mcpCfg)
	logger.Info("MCP fleet started",
		"servers", d.manager.ActiveServerNames(), "tools", d.manager.ToolCount())

	for _, def := range d.wfStore.ListDefinitions() {
		d.registerTrigger(def)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.hub.ServeWS)
	mux.HandleFunc("/health", d.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	d.httpSrv = &http.Server{Addr: d.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", d.addr)
		errCh <- d.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown tears the daemon down in dependency order.
func (d *Daemon) Shutdown() {
	logger.Info("shutting down")
	d.scheduler.Stop()

	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.httpSrv.Shutdown(ctx)
		cancel()
	}
	d.hub.Close()
	d.manager.StopAll()
	logger.Info("shutdown complete")
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": d.version,
		"tools":   d.manager.ToolCount(),
	})
}

// onConnect greets a new client with the daemon status.
func (d *Daemon) onConnect(client *ws.Client) {
	_ = d.hub.Send(client, ws.Envelope{
		Type: ws.TypeStatus,
		Metadata: map[string]any{
			"connected":     true,
			"hasApiKey":     d.llmClient.HasAPIKey(),
			"toolCount":     d.manager.ToolCount(),
			"daemonVersion": d.version,
		},
	})
}

// onScheduleFire runs a workflow whose cron schedule fired. Called on the
// workflow's own scheduling loop, so running synchronously keeps at most
// one cron execution per workflow in flight.
func (d *Daemon) onScheduleFire(workflowID string) {
	def, err := d.wfStore.GetDefinition(workflowID)
	if err != nil {
		logger.Error("fired workflow no longer exists", "workflow", workflowID, "error", err)
		d.scheduler.Unschedule(workflowID)
		return
	}
	if _, err := d.executor.Execute(context.Background(), def, "cron:"+def.Trigger.Expression); err != nil {
		logger.Error("scheduled execution failed to start", "workflow", workflowID, "error", err)
	}
}

// registerTrigger wires a workflow's trigger: a cron loop or an event-bus
// subscription. Disabled workflows are unregistered.
func (d *Daemon) registerTrigger(def *workflow.Definition) {
	d.unregisterTrigger(def.ID)
	if !def.Enabled {
		return
	}

	switch def.Trigger.Type {
	case workflow.TriggerCron:
		if err := d.scheduler.Schedule(def.ID, def.Trigger.Expression); err != nil {
			logger.Error("workflow not scheduled", "workflow", def.ID, "error", err)
		}
	case workflow.TriggerEvent:
		workflowID := def.ID
		filter := def.Trigger.Filter
		trigger := def.Trigger.Source + ":" + def.Trigger.EventType
		id := d.bus.Subscribe(def.Trigger.Source, def.Trigger.EventType, func(ev events.Event) {
			if !matchesFilter(filter, ev.Payload) {
				return
			}
			go d.runTriggered(workflowID, "event:"+trigger)
		})
		d.subMu.Lock()
		d.eventSubs[def.ID] = id
		d.subMu.Unlock()
		logger.Info("workflow subscribed", "workflow", def.ID, "trigger", trigger)
	default:
		logger.Warn("workflow has unknown trigger type", "workflow", def.ID, "type", def.Trigger.Type)
	}
}

func (d *Daemon) unregisterTrigger(workflowID string) {
	d.scheduler.Unschedule(workflowID)
	d.subMu.Lock()
	if id, ok := d.eventSubs[workflowID]; ok {
		d.bus.Unsubscribe(id)
		delete(d.eventSubs, workflowID)
	}
	d.subMu.Unlock()
}

func (d *Daemon) runTriggered(workflowID, triggerInfo string) {
	def, err := d.wfStore.GetDefinition(workflowID)
	if err != nil {
		logger.Error("triggered workflow no longer exists", "workflow", workflowID, "error", err)
		return
	}
	if _, err := d.executor.Execute(context.Background(), def, triggerInfo); err != nil {
		logger.Error("triggered execution failed to start", "workflow", workflowID, "error", err)
	}
}

// matchesFilter reports whether every filter entry equals the payload's
// string form of that key. An empty filter matches everything.
func matchesFilter(filter map[string]string, payload map[string]any) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
