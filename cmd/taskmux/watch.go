package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ferrolith/taskmux/internal/bus"
	"github.com/ferrolith/taskmux/internal/tui"
)

// wireEvent mirrors the gateway's WebSocket frame shape.
type wireEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// statusSnapshot is the subset of /statusz the dashboard renders.
type statusSnapshot struct {
	Orchestrator struct {
		Running       int   `json:"running"`
		Completed     int64 `json:"completed"`
		Failed        int64 `json:"failed"`
		Retried       int64 `json:"retried"`
		LoopPrevented int64 `json:"loop_prevented"`
		CacheHits     int64 `json:"cache_hits"`
	} `json:"orchestrator"`
	Pool struct {
		Size       int `json:"size"`
		Available  int `json:"available"`
		QueueDepth int `json:"queue_depth"`
	} `json:"pool"`
	Limiter struct {
		ActiveBuckets int `json:"active_buckets"`
	} `json:"limiter"`
}

func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskmux watch")
		return 2
	}

	api, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	events := tui.NewEventLog(20)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// topics=* streams everything: task lifecycle plus loop guard, limiter
	// and pool events.
	wsURL := "ws" + strings.TrimPrefix(api.baseURL, "http") + "/ws?topics=*"
	header := http.Header{}
	if api.token != "" {
		header.Set("Authorization", "Bearer "+api.token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\nIs the daemon running? Start it with: taskmux -daemon\n", wsURL, err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch exiting")

	go func() {
		for {
			var ev wireEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			events.Append(decodeWireEvent(ev))
		}
	}()

	started := time.Now()
	provider := func() tui.Snapshot {
		reqCtx, cancelReq := context.WithTimeout(ctx, 2*time.Second)
		defer cancelReq()

		var snap statusSnapshot
		_, err := api.do(reqCtx, http.MethodGet, "/statusz", nil, &snap)
		return tui.Snapshot{
			Healthy:       err == nil,
			Running:       snap.Orchestrator.Running,
			Completed:     snap.Orchestrator.Completed,
			Failed:        snap.Orchestrator.Failed,
			Retried:       snap.Orchestrator.Retried,
			LoopPrevented: snap.Orchestrator.LoopPrevented,
			CacheHits:     snap.Orchestrator.CacheHits,
			PoolAvailable: snap.Pool.Available,
			PoolSize:      snap.Pool.Size,
			QueueDepth:    snap.Pool.QueueDepth,
			ActiveBuckets: snap.Limiter.ActiveBuckets,
			Uptime:        time.Since(started),
		}
	}

	if err := tui.Run(ctx, provider, events); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// decodeWireEvent rehydrates the typed bus payload from its JSON form so the
// event log renders the same summaries as the in-process dashboard.
func decodeWireEvent(ev wireEvent) bus.Event {
	out := bus.Event{Topic: ev.Topic}
	switch {
	case strings.HasPrefix(ev.Topic, "task."):
		var p bus.TaskEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Payload = p
		}
	case ev.Topic == bus.TopicLoopPrevented:
		var p bus.LoopPreventedEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Payload = p
		}
	case ev.Topic == bus.TopicLimiterRejected:
		var p bus.LimiterRejectedEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Payload = p
		}
	case ev.Topic == bus.TopicPoolSaturated:
		var p bus.PoolSaturatedEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Payload = p
		}
	}
	return out
}
