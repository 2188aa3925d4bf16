// Package realtime はWebSocket接続の管理と、ドメインイベントのクライアントへの中継を提供する。
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hitoshi/parkride/internal/metrics"
)

// クライアントに送るイベント名
const (
	EventSlotUpdated     = "parking-slot-updated"
	EventRideStatus      = "ride-status-updated"
	EventNewNotification = "new-notification"
)

// Frame はサーバーからクライアントへ送るメッセージ。
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// UserRoom はユーザー宛ての配信先ルーム名を返す。
func UserRoom(userID string) string {
	return "user-" + userID
}

// Hub は接続中のクライアントをルーム単位で管理する。
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	metrics metrics.MetricsCollector
}

// NewHub はHubを生成する。mがnilの場合は接続数を記録しない。
func NewHub(m metrics.MetricsCollector) *Hub {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		metrics: m,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketConnections(n)
}

// unregister はクライアントを取り除き送信キューを閉じる。複数回呼んでもよい。
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.close()
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketConnections(n)
}

// Connections は接続中のクライアント数を返す。
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast は全クライアントにフレームを送る。
func (h *Hub) Broadcast(f Frame) {
	msg, ok := encode(f)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, msg)
}

// SendToRoom はルームに参加しているクライアントにフレームを送る。
func (h *Hub) SendToRoom(room string, f Frame) {
	msg, ok := encode(f)
	if !ok {
		return
	}
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, msg)
}

// deliver は送信キューに積む。キューが詰まっているクライアントは切断する。
func (h *Hub) deliver(targets []*client, msg []byte) {
	for _, c := range targets {
		if c.enqueue(msg) {
			continue
		}
		slog.Warn("送信が滞留しているWebSocketクライアントを切断します",
			slog.String("room", c.room),
		)
		h.unregister(c)
	}
}

func encode(f Frame) ([]byte, bool) {
	msg, err := json.Marshal(f)
	if err != nil {
		slog.Error("failed to encode realtime frame",
			slog.String("event", f.Event),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return msg, true
}
