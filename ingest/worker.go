package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/queue"
	"github.com/vnidsd/vnidsd/types"
)

// wireEvent mirrors the subprocess's NDJSON event schema. Fields absent from
// a given event_type are left at their zero value.
type wireEvent struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`

	SrcIP    string `json:"src_ip"`
	SrcPort  uint16 `json:"src_port"`
	DestIP   string `json:"dest_ip"`
	DestPort uint16 `json:"dest_port"`
	Proto    string `json:"proto"`
	AppProto string `json:"app_proto"`

	Alert *struct {
		SignatureID int64  `json:"signature_id"`
		GID         int64  `json:"gid"`
		Signature   string `json:"signature"`
		Severity    int    `json:"severity"`
	} `json:"alert"`

	Anomaly *struct {
		Type string `json:"type"`
	} `json:"anomaly"`

	SomeIP *struct {
		ServiceID uint32 `json:"service_id"`
		MethodID  uint32 `json:"method_id"`
		ClientID  uint32 `json:"client_id"`
	} `json:"someip"`

	DoIP *struct {
		SourceAddress uint16 `json:"source_address"`
		TargetAddress uint16 `json:"target_address"`
	} `json:"doip"`

	Stats *wireStats `json:"stats"`
}

type wireStats struct {
	Uptime  uint64 `json:"uptime"`
	Capture struct {
		PacketsCaptured uint64 `json:"packets"`
		PacketsDropped  uint64 `json:"dropped"`
		Bytes           uint64 `json:"bytes"`
	} `json:"capture"`
	Decoder struct {
		Bytes uint64 `json:"bytes"`
	} `json:"decoder"`
	Detect struct {
		AlertsTotal uint64 `json:"alerts"`
	} `json:"detect"`
	FlowMgr struct {
		FlowsActive uint64 `json:"active"`
		FlowsTotal  uint64 `json:"total"`
	} `json:"flow_mgr"`
	Flow struct {
		MemoryMB uint64 `json:"memory_mb"`
	} `json:"flow"`
}

// Worker drains the Socket Reader, classifies each line as a stats snapshot
// or a security event, and pushes security events onto the shared queue.
type Worker struct {
	reader *SocketReader
	q      *queue.Queue[types.Event]
	log    *log.Logger
	met    *metrics.Collector

	running atomic.Bool
	done    chan struct{}

	mu          sync.RWMutex
	latestStats *types.StatsSnapshot
}

// NewWorker constructs a Worker reading from the socket at socketPath and
// pushing parsed events onto q.
func NewWorker(socketPath string, q *queue.Queue[types.Event], logger *log.Logger, met *metrics.Collector) *Worker {
	return &Worker{
		reader: NewSocketReader(socketPath),
		q:      q,
		log:    logger.WithComponent("ingest"),
		met:    met,
		done:   make(chan struct{}),
	}
}

// LatestStats returns the most recently observed stats snapshot, or nil if
// none has been received yet.
func (w *Worker) LatestStats() *types.StatsSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latestStats
}

// Run loops until ctx is cancelled: ensure connected (backing off on
// failure), wait for data, and drain available lines. Closes its done
// channel on exit so Stop can join it.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	w.running.Store(true)
	defer w.running.Store(false)
	defer w.reader.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.reader.EnsureConnected(ctx); err != nil {
			w.log.Warn("event socket connect failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		for {
			if ctx.Err() != nil {
				return
			}
			line, ok, err := w.reader.ReadLine()
			if err != nil {
				if err == ErrLineTooLong {
					w.log.Warn("dropped oversized ingest line", nil)
					w.met.IncLinesDropped()
					continue
				}
				w.log.Warn("event socket read failed, reconnecting", map[string]any{"error": err.Error()})
				w.reader.Reconnect()
				break
			}
			if !ok {
				break
			}
			w.met.IncLinesRead()
			w.handleLine(line)
		}
	}
}

// Stopped reports whether Run is not currently running: true before Run
// starts and after it returns.
func (w *Worker) Stopped() bool {
	return !w.running.Load()
}

// Stop blocks until Run has observed ctx cancellation and exited. Run must
// already have been started in its own goroutine; calling Stop without a
// prior Run blocks forever.
func (w *Worker) Stop() {
	<-w.done
}

func (w *Worker) handleLine(line string) {
	var ev wireEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		w.met.IncParseErrors()
		return
	}

	if ev.EventType == "stats" && ev.Stats != nil {
		snap := statsFromWire(ev.Stats)
		w.mu.Lock()
		w.latestStats = &snap
		w.mu.Unlock()
		return
	}

	if ev.EventType == "flow" || ev.EventType == "stats" {
		return
	}

	event, ok := eventFromWire(&ev)
	if !ok {
		w.met.IncParseErrors()
		return
	}

	if w.q.Push(event) {
		w.met.IncEventsPushed()
	} else {
		w.met.IncEventsDropped()
	}
}

func statsFromWire(s *wireStats) types.StatsSnapshot {
	return types.StatsSnapshot{
		PacketsCaptured: s.Capture.PacketsCaptured,
		PacketsDropped:  s.Capture.PacketsDropped,
		Bytes:           s.Capture.Bytes,
		AlertsTotal:     s.Detect.AlertsTotal,
		FlowsActive:     s.FlowMgr.FlowsActive,
		FlowsTotal:      s.FlowMgr.FlowsTotal,
		MemoryMB:        s.Flow.MemoryMB,
		UptimeSec:       s.Uptime,
	}
}

func eventFromWire(ev *wireEvent) (types.Event, bool) {
	ts, ok := parseTimestamp(ev.Timestamp)
	if !ok {
		return types.Event{}, false
	}

	var kind types.Kind
	var severity types.Severity
	var message string
	var rule types.RuleMatch

	switch ev.EventType {
	case "alert":
		if ev.Alert == nil {
			return types.Event{}, false
		}
		kind = types.KindAlert
		severity = types.SeverityFromPriority(ev.Alert.Severity)
		message = ev.Alert.Signature
		rule = types.RuleMatch{SignatureID: ev.Alert.SignatureID, GroupID: ev.Alert.GID}
	case "anomaly":
		if ev.Anomaly == nil {
			return types.Event{}, false
		}
		kind = types.KindAnomaly
		severity = types.SeverityMedium
		message = ev.Anomaly.Type
	default:
		return types.Event{}, false
	}

	proto := types.ProtocolFromString(ev.Proto)
	if appProto := types.ProtocolFromString(ev.AppProto); appProto != types.ProtocolUnknown {
		proto = appProto
	}

	src := types.Endpoint{Address: ev.SrcIP, Port: ev.SrcPort}
	dst := types.Endpoint{Address: ev.DestIP, Port: ev.DestPort}

	var meta types.Metadata
	if ev.SomeIP != nil && (ev.SomeIP.ServiceID != 0 || ev.SomeIP.MethodID != 0 || ev.SomeIP.ClientID != 0) {
		proto = types.ProtocolSomeIP
		meta.SomeIP = &types.SomeIPMetadata{
			ServiceID: ev.SomeIP.ServiceID,
			MethodID:  ev.SomeIP.MethodID,
			ClientID:  ev.SomeIP.ClientID,
		}
	}
	if ev.DoIP != nil && (ev.DoIP.SourceAddress != 0 || ev.DoIP.TargetAddress != 0) {
		proto = types.ProtocolDoIP
		meta.DoIP = &types.DoIPMetadata{
			SourceAddress: ev.DoIP.SourceAddress,
			TargetAddress: ev.DoIP.TargetAddress,
		}
	}

	id := uuid.NewString()
	event := types.NewEvent(id, ts, kind, severity, proto, src, dst, rule, message)
	event.Metadata = meta
	return event, true
}

func parseTimestamp(s string) (types.Timestamp, bool) {
	if s == "" {
		return types.Timestamp{}, false
	}
	// The engine emits RFC3339-style timestamps, but with a numeric zone
	// offset without the colon ("+0000") rather than RFC3339's "+00:00".
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999-0700",
		"2006-01-02T15:04:05-0700",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return types.TimestampFromTime(t), true
		}
	}
	return types.Timestamp{}, false
}
