package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/store"
)

const (
	// heartbeatInterval paces WS pings and SSE comment lines.
	heartbeatInterval = 15 * time.Second

	// missedHeartbeats tolerated before a WS peer is considered gone.
	missedHeartbeats = 3

	defaultSendTimeout = 2 * time.Second
)

var defaultTopics = []string{
	bus.TopicStatus,
	bus.TopicAlerts,
	bus.TopicAccessPts,
	bus.TopicGPS,
	bus.TopicGeofence,
	bus.TopicSyncResult,
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-box dashboard; the API itself is token-gated.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// requestedTopics parses the topics query parameter, defaulting to all.
func requestedTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return defaultTopics
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return defaultTopics
	}
	return topics
}

// subscribeAll opens one subscription per topic and merges them into a
// single channel. Each per-topic buffer drops oldest on overflow, so a slow
// client loses stale events rather than stalling the publishers.
func subscribeAll(b *bus.Bus, topics []string) (<-chan bus.Event, func()) {
	merged := make(chan bus.Event, bus.DefaultBufferSize)
	done := make(chan struct{})
	subs := make([]*bus.Subscription, 0, len(topics))

	for _, topic := range topics {
		sub := b.Subscribe(topic)
		subs = append(subs, sub)
		go func(sub *bus.Subscription) {
			for {
				select {
				case <-done:
					return
				case ev, ok := <-sub.C:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-done:
						return
					default:
						// Merged buffer full: drop the oldest.
						select {
						case <-merged:
						default:
						}
						select {
						case merged <- ev:
						case <-done:
							return
						default:
						}
					}
				}
			}
		}(sub)
	}

	cancel := func() {
		close(done)
		for _, sub := range subs {
			sub.Close()
		}
	}
	return merged, cancel
}

func (d Deps) sendTimeout() time.Duration {
	if d.Env != nil && d.Env.WebSocketSendTimeout > 0 {
		return d.Env.WebSocketSendTimeout
	}
	return defaultSendTimeout
}

// handleWebSocket streams bus events as JSON text frames, topics chosen by
// query parameter. The peer is pinged every heartbeat interval and dropped
// after three silent ones.
func handleWebSocket(d Deps) http.Handler {
	return handleWebSocketTopics(d, nil)
}

// handleWebSocketTopics is the fixed-topic form behind the named /ws/ routes.
// A nil topic list falls back to the topics query parameter.
func handleWebSocketTopics(d Deps, topics []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return // Upgrade already replied
		}
		defer conn.Close()

		subscribed := topics
		if subscribed == nil {
			subscribed = requestedTopics(r)
		}
		events, cancel := subscribeAll(d.Bus, subscribed)
		defer cancel()

		readDeadline := missedHeartbeats * heartbeatInterval
		conn.SetReadDeadline(time.Now().Add(readDeadline)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})

		// Reader drains control frames and detects the peer going away.
		peerGone := make(chan struct{})
		go func() {
			defer close(peerGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(heartbeatInterval)
		defer ping.Stop()

		for {
			select {
			case <-peerGone:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				deadline := time.Now().Add(d.sendTimeout())
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case ev := <-events:
				conn.SetWriteDeadline(time.Now().Add(d.sendTimeout())) //nolint:errcheck
				if err := conn.WriteJSON(ev); err != nil {
					log.Printf("[api] ws send: %v", err)
					return
				}
			}
		}
	})
}

// handleSSE streams bus events as server-sent events, topics chosen by
// query parameter.
func handleSSE(d Deps) http.Handler {
	return handleSSETopics(d, nil)
}

// handleSSETopics is the fixed-topic form behind the named /sse/ routes.
// A nil topic list falls back to the topics query parameter.
func handleSSETopics(d Deps, topics []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := sseStart(w)
		if !ok {
			return
		}

		subscribed := topics
		if subscribed == nil {
			subscribed = requestedTopics(r)
		}
		events, cancel := subscribeAll(d.Bus, subscribed)
		defer cancel()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev := <-events:
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}

// sseStart sets the event-stream headers and flushes them. A transport that
// cannot stream gets a 500 and ok == false.
func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "InternalError", "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()
	return flusher, true
}

const defaultHistoryReplayInterval = time.Second

// handleSSEHistory replays recent health records as an SSE stream: the
// newest limit records, oldest first, one history event per interval. The
// stream ends once the replay is done.
func handleSSEHistory(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "limit must be a positive integer")
				return
			}
			limit = n
		}
		interval := defaultHistoryReplayInterval
		if raw := r.URL.Query().Get("interval"); raw != "" {
			dur, err := time.ParseDuration(raw)
			if err != nil || dur <= 0 {
				writeInvalidArgument(w, "interval must be a positive duration")
				return
			}
			interval = dur
		}

		var records []store.HealthRecord
		if d.History != nil {
			var err error
			records, err = d.History.LoadRecentHealth(limit)
			if err != nil {
				writeKindError(w, err)
				return
			}
		}

		flusher, ok := sseStart(w)
		if !ok {
			return
		}

		tick := time.NewTicker(interval)
		defer tick.Stop()

		// Replay in chronological order; the store hands back newest first.
		for i := len(records) - 1; i >= 0; i-- {
			data, err := json.Marshal(records[i])
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: history\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if i == 0 {
				break
			}
			select {
			case <-r.Context().Done():
				return
			case <-tick.C:
			}
		}
	})
}
