// Package monitoring はヘルスチェック用のHTTPハンドラーを提供する。
package monitoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// pingTimeout は依存先1つあたりの疎通確認のタイムアウト。
const pingTimeout = 2 * time.Second

// ステータス値
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
	StatusError    = "ERROR"
	StatusDisabled = "DISABLED"
)

// StoragePinger はストレージの疎通確認に必要なインターフェース。
// *sql.DBとrepository.MemoryStoreが満たす。
type StoragePinger interface {
	PingContext(ctx context.Context) error
}

// CachePinger はキャッシュの疎通確認に必要なインターフェース。
type CachePinger interface {
	Ping(ctx context.Context) error
}

// Handler は/healthと/api/monitoring/healthを処理する。
type Handler struct {
	storage     StoragePinger
	cache       CachePinger
	environment string
	startedAt   time.Time
	now         func() time.Time
}

// NewHandler はHandlerを生成する。cacheがnilの場合はキャッシュを無効として報告する。
func NewHandler(storage StoragePinger, cache CachePinger, environment string) *Handler {
	return &Handler{
		storage:     storage,
		cache:       cache,
		environment: environment,
		startedAt:   time.Now(),
		now:         time.Now,
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type memoryStats struct {
	Alloc     uint64 `json:"alloc"`
	Sys       uint64 `json:"sys"`
	HeapInUse uint64 `json:"heapInUse"`
}

type detailedHealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      float64         `json:"uptime"`
	Environment string          `json:"environment"`
	Memory      memoryStats     `json:"memory"`
	Goroutines  int             `json:"goroutines"`
	Storage     componentStatus `json:"storage"`
	Cache       componentStatus `json:"cache"`
}

// Health はストレージが応答する場合に200、応答しない場合に503を返す。
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	storage := h.checkStorage(r.Context())
	status := StatusOK
	code := http.StatusOK
	if storage.Status != StatusOK {
		status = StatusError
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Timestamp: h.now().UTC()})
}

// Detailed は実行環境と依存先の状態を返す。
// キャッシュのみ停止している場合はDEGRADED（200）とする。
// GET /api/monitoring/health
func (h *Handler) Detailed(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	storage := h.checkStorage(r.Context())
	cache := h.checkCache(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := detailedHealthResponse{
		Status:      StatusOK,
		Timestamp:   now.UTC(),
		Uptime:      now.Sub(h.startedAt).Seconds(),
		Environment: h.environment,
		Memory: memoryStats{
			Alloc:     mem.Alloc,
			Sys:       mem.Sys,
			HeapInUse: mem.HeapInuse,
		},
		Goroutines: runtime.NumGoroutine(),
		Storage:    storage,
		Cache:      cache,
	}

	code := http.StatusOK
	switch {
	case storage.Status != StatusOK:
		resp.Status = StatusError
		code = http.StatusServiceUnavailable
	case cache.Status == StatusError:
		resp.Status = StatusDegraded
	}
	writeJSON(w, code, resp)
}

func (h *Handler) checkStorage(ctx context.Context) componentStatus {
	if h.storage == nil {
		return componentStatus{Status: StatusError, Error: "storage not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.storage.PingContext(ctx); err != nil {
		slog.Warn("storage health check failed", slog.String("error", err.Error()))
		return componentStatus{Status: StatusError, Error: err.Error()}
	}
	return componentStatus{Status: StatusOK}
}

func (h *Handler) checkCache(ctx context.Context) componentStatus {
	if h.cache == nil {
		return componentStatus{Status: StatusDisabled}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.cache.Ping(ctx); err != nil {
		slog.Warn("cache health check failed", slog.String("error", err.Error()))
		return componentStatus{Status: StatusError, Error: err.Error()}
	}
	return componentStatus{Status: StatusOK}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
