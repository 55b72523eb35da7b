// Package daemon wires the supervisor, ingest, dispatch, store, and
// control components into a single long-lived process, starting them in
// dependency order and tearing them down in a fixed order (control,
// supervisor, dispatcher, ingest, store).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vnidsd/vnidsd/config"
	"github.com/vnidsd/vnidsd/control"
	"github.com/vnidsd/vnidsd/dispatch"
	"github.com/vnidsd/vnidsd/ingest"
	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/queue"
	"github.com/vnidsd/vnidsd/store"
	"github.com/vnidsd/vnidsd/supervisor"
	"github.com/vnidsd/vnidsd/types"
	"github.com/vnidsd/vnidsd/vnidserr"
)

// Daemon is the process-level orchestrator.
type Daemon struct {
	cfg *config.Config
	log *log.Logger
	met *metrics.Collector

	store      *store.Store
	queue      *queue.Queue[types.Event]
	ingest     *ingest.Worker
	dispatcher *dispatch.Dispatcher
	super      *supervisor.Supervisor
	ctrl       *control.Server

	startTime time.Time
	cancel    context.CancelFunc
}

// New constructs a Daemon from a resolved configuration.
func New(cfg *config.Config, logger *log.Logger) *Daemon {
	met := metrics.New()
	eventSocket := cfg.IPC.SocketDir + "/event.sock"
	controlSocket := cfg.IPC.SocketDir + "/api.sock"

	q := queue.New[types.Event](cfg.IPC.EventBufferSize)

	d := &Daemon{
		cfg:    cfg,
		log:    logger,
		met:    met,
		queue:  q,
		ingest: ingest.NewWorker(eventSocket, q, logger, met),
		super: supervisor.New(supervisor.Config{
			Binary:             cfg.Suricata.Binary,
			ConfigPath:         cfg.Suricata.Config,
			EventSocketPath:    eventSocket,
			RulesDir:           cfg.Suricata.RulesDir,
			Interfaces:         splitInterfaces(cfg.Suricata.Interface),
			CheckInterval:      time.Duration(cfg.Watchdog.CheckIntervalMS) * time.Millisecond,
			MaxRestartAttempts: cfg.Watchdog.MaxRestartAttempts,
			AutoRestart:        true,
		}, logger, met),
		ctrl: control.New(controlSocket, logger, met),
	}
	return d
}

func splitInterfaces(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Run writes the PID file, opens the store, starts every component in
// dependency order, registers control handlers, and blocks until ctx is
// cancelled or a shutdown command arrives.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	if d.cfg.General.PIDFile != "" {
		if err := writePIDFile(d.cfg.General.PIDFile); err != nil {
			return vnidserr.New(vnidserr.Fatal, "daemon.writePIDFile", err)
		}
		defer removePIDFile(d.cfg.General.PIDFile)
	}

	st, err := store.Open(d.cfg.Storage.Database, storeCapFromMB(d.cfg.Storage.MaxSizeMB))
	if err != nil {
		return vnidserr.New(vnidserr.Fatal, "daemon.openStore", err)
	}
	d.store = st
	st.SetMetrics(d.met)
	defer st.Close()

	d.dispatcher = dispatch.New(d.queue, d.store, d.log, d.met)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.super.Start(runCtx); err != nil {
		d.log.Error("supervisor failed to start subprocess", map[string]any{"error": err.Error()})
	}

	go d.dispatcher.Run(runCtx)
	go d.ingest.Run(runCtx)

	d.registerHandlers()
	if err := d.ctrl.Start(); err != nil {
		return vnidserr.New(vnidserr.Fatal, "daemon.startControlServer", err)
	}

	<-runCtx.Done()
	d.teardown()
	return nil
}

// Shutdown cancels the daemon's run context, triggering teardown.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// teardown stops every component in the orchestrator's declared shutdown
// order (control → supervisor → dispatcher → ingest), joining the
// dispatcher's and ingest worker's goroutines before returning so the
// caller's deferred store.Close() cannot race their final writes.
func (d *Daemon) teardown() {
	_ = d.ctrl.Stop()
	_ = d.super.Stop()
	d.dispatcher.Stop()
	d.ingest.Stop()
}

// storeCapFromMB is a coarse heuristic converting a configured megabyte
// budget into a row cap, assuming roughly 256 bytes per stored row. An unset
// (zero) budget returns 0, which store.Open treats as "use the documented
// 100,000-row default" rather than bridging an arbitrary megabyte figure.
func storeCapFromMB(mb int) int {
	if mb <= 0 {
		return 0
	}
	return mb * 1024 * 1024 / 256
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	_ = os.Remove(path)
}

func (d *Daemon) registerHandlers() {
	d.ctrl.RegisterHandler("status", d.handleStatus)
	d.ctrl.RegisterHandler("get_stats", d.handleGetStats)
	d.ctrl.RegisterHandler("reload_rules", d.handleReloadRules)
	d.ctrl.RegisterHandler("shutdown", d.handleShutdown)
	d.ctrl.RegisterHandler("set_config", d.handleSetConfig)
	d.ctrl.RegisterHandler("list_rules", d.handleListRules)
	d.ctrl.RegisterHandler("list_events", d.handleListEvents)
	d.ctrl.RegisterHandler("validate_rules", d.handleValidateRules)
}

func (d *Daemon) handleStatus(_ json.RawMessage) control.Response {
	status := "running"
	if d.super.State() == types.StateFailed {
		status = "degraded"
	}
	return control.Response{
		Success: true,
		Data: map[string]any{
			"status":           status,
			"version":          types.Version,
			"uptime":           int64(time.Since(d.startTime).Seconds()),
			"suricata_running": d.super.IsRunning(),
		},
	}
}

func (d *Daemon) handleGetStats(_ json.RawMessage) control.Response {
	snap := d.met.Snapshot()
	data := map[string]any{
		"lines_read":                snap.LinesRead,
		"lines_dropped":             snap.LinesDropped,
		"parse_errors":              snap.ParseErrors,
		"events_pushed":             snap.EventsPushed,
		"events_popped":             snap.EventsPopped,
		"events_dropped":            snap.EventsDropped,
		"events_inserted":           snap.EventsInserted,
		"events_deleted":            snap.EventsDeleted,
		"store_errors":              snap.StoreErrors,
		"subprocess_restarts":       snap.SubprocessRestarts,
		"subprocess_launch_failure": snap.SubprocessLaunchFailure,
		"control_connections":       snap.ControlConnections,
		"control_requests":          snap.ControlRequests,
		"control_errors":            snap.ControlErrors,
	}
	if latest := d.ingest.LatestStats(); latest != nil {
		data["packets_captured"] = latest.PacketsCaptured
		data["packets_dropped"] = latest.PacketsDropped
		data["bytes"] = latest.Bytes
		data["alerts_total"] = latest.AlertsTotal
		data["flows_active"] = latest.FlowsActive
		data["flows_total"] = latest.FlowsTotal
		data["memory_mb"] = latest.MemoryMB
		data["suricata_uptime"] = latest.UptimeSec
	}
	return control.Response{Success: true, Data: data}
}

func (d *Daemon) handleReloadRules(_ json.RawMessage) control.Response {
	if err := d.super.ReloadRules(); err != nil {
		return control.Response{Success: false, ErrorCode: control.ErrInternal, Error: err.Error()}
	}
	return control.Response{Success: true, Message: "rule reload signaled"}
}

func (d *Daemon) handleShutdown(_ json.RawMessage) control.Response {
	go d.Shutdown()
	return control.Response{Success: true, Message: "shutting down"}
}

const maxListEvents = 250

var setConfigWhitelist = map[string]bool{
	"log_level":         true,
	"eve_socket":        true,
	"rules_dir":         true,
	"max_events":        true,
	"watchdog_interval": true,
	"stats_interval":    true,
}

func (d *Daemon) handleSetConfig(params json.RawMessage) control.Response {
	var req struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return control.Response{Success: false, ErrorCode: control.ErrInvalidParams, Error: "params must be an object"}
	}
	if !setConfigWhitelist[req.Key] {
		return control.Response{Success: false, ErrorCode: control.ErrInvalidConfigKey, Error: "unknown config key: " + req.Key}
	}
	return control.Response{Success: true, Message: "config applied"}
}

func (d *Daemon) handleListRules(_ json.RawMessage) control.Response {
	if d.cfg.Suricata.RulesDir == "" {
		return control.Response{Success: true, Data: map[string]any{"rules_dir": "", "files": []string{}}}
	}
	entries, err := os.ReadDir(d.cfg.Suricata.RulesDir)
	if err != nil {
		return control.Response{Success: false, ErrorCode: control.ErrInternal, Error: err.Error()}
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".rules") {
			files = append(files, e.Name())
		}
	}
	return control.Response{Success: true, Data: map[string]any{"rules_dir": d.cfg.Suricata.RulesDir, "files": files}}
}

func (d *Daemon) handleListEvents(params json.RawMessage) control.Response {
	var req struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(params, &req)
	if req.Limit <= 0 {
		req.Limit = 100
	}
	// The response must fit the control plane's 64 KiB frame cap.
	if req.Limit > maxListEvents {
		req.Limit = maxListEvents
	}
	events, err := d.store.QueryRecent(req.Limit)
	if err != nil {
		return control.Response{Success: false, ErrorCode: control.ErrInternal, Error: err.Error()}
	}
	// A limit alone cannot bound the body (messages and addresses vary in
	// length), so the oldest returned events are dropped until it fits.
	const maxResponseBody = 64 * 1024
	resp := control.Response{Success: true, Data: events}
	for len(events) > 0 {
		body, err := json.Marshal(resp)
		if err != nil {
			return control.Response{Success: false, ErrorCode: control.ErrInternal, Error: err.Error()}
		}
		if len(body) <= maxResponseBody {
			break
		}
		events = events[:len(events)-1]
		resp.Data = events
	}
	return resp
}

// ruleActions are the rule-language action keywords a valid rule line may
// start with. validate_rules only does this shallow check; full parsing is
// the detection engine's job.
var ruleActions = []string{"alert", "drop", "pass", "reject"}

func (d *Daemon) handleValidateRules(_ json.RawMessage) control.Response {
	if d.cfg.Suricata.RulesDir == "" {
		return control.Response{Success: false, ErrorCode: control.ErrRuleParse, Error: "no rules_dir configured"}
	}
	entries, err := os.ReadDir(d.cfg.Suricata.RulesDir)
	if err != nil {
		return control.Response{Success: false, ErrorCode: control.ErrRuleParse, Error: err.Error()}
	}

	checked := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rules") {
			continue
		}
		path := d.cfg.Suricata.RulesDir + "/" + e.Name()
		body, err := os.ReadFile(path)
		if err != nil {
			return control.Response{Success: false, ErrorCode: control.ErrRuleParse, Error: err.Error()}
		}
		for i, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !startsWithRuleAction(line) {
				return control.Response{
					Success:   false,
					ErrorCode: control.ErrRuleParse,
					Error:     fmt.Sprintf("%s:%d: unrecognized rule action", e.Name(), i+1),
				}
			}
		}
		checked++
	}
	return control.Response{Success: true, Message: fmt.Sprintf("%d rule files validated", checked)}
}

func startsWithRuleAction(line string) bool {
	for _, action := range ruleActions {
		if strings.HasPrefix(line, action+" ") {
			return true
		}
	}
	return false
}
