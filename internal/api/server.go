package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"dispatchpool/internal/events"
	"dispatchpool/internal/logger"
	"dispatchpool/internal/metrics"
	"dispatchpool/internal/worker"
	"dispatchpool/internal/workload"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"
)

// DefaultNamespace は Prometheus メトリクス名の既定の接頭辞
const DefaultNamespace = "dispatchpool"

// Server はモニター API サーバー
type Server struct {
	addr     string
	log      *logger.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	mu         sync.RWMutex
	running    bool
	engine     *workload.Engine
	config     workload.Config
	cancel     context.CancelFunc
	lastResult *workload.Result
	wsClients  map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しい API サーバーを作成する
func NewServer(addr string) *Server {
	return NewServerWithNamespace(addr, DefaultNamespace)
}

// NewServerWithNamespace はメトリクスの namespace を指定して API サーバーを作成する
func NewServerWithNamespace(addr, namespace string) *Server {
	m := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(m, namespace),
		collectors.NewGoCollector(),
	)

	return &Server{
		addr:      addr,
		log:       logger.Default,
		bus:       events.NewBus(),
		metrics:   m,
		registry:  registry,
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// SetLogger はロガーを設定する
func (s *Server) SetLogger(l *logger.Logger) {
	s.log = l
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/threads", s.handleThreads)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/workload/start", s.handleWorkloadStart)
	mux.HandleFunc("/api/workload/stop", s.handleWorkloadStop)
	mux.HandleFunc("/api/workload/result", s.handleWorkloadResult)
	mux.HandleFunc("/api/presets", s.handlePresets)

	// Prometheus
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// WebSocket
	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))

	return mux
}

// Start はサーバーを開始する。ctx が終わるとシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.forwardEvents(ctx)
	go s.broadcastLoop(ctx)

	s.log.Info("", "API Server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		s.stopWorkload()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Running      bool   `json:"running"`
	WorkloadName string `json:"workload_name,omitempty"`
	Threads      int    `json:"threads"`
	LiveThreads  int64  `json:"live_threads"`
	Subscribers  int    `json:"subscribers"`
}

func (s *Server) status() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := StatusResponse{
		Running:     s.running,
		LiveThreads: s.metrics.LiveThreads(),
		Subscribers: s.bus.SubscriberCount(),
	}
	if s.config.Name != "" {
		resp.WorkloadName = s.config.Name
	}
	if s.engine != nil {
		resp.Threads = len(s.engine.Threads())
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.status())
}

// ThreadInfo はスレッド情報
type ThreadInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Status     string `json:"status,omitempty"`
	OSThreadID int    `json:"os_thread_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	threads := []ThreadInfo{}
	if engine != nil {
		for _, t := range engine.Threads() {
			info := ThreadInfo{
				ID:         t.ID,
				State:      t.State.String(),
				OSThreadID: t.OSThreadID,
			}
			if t.State == worker.StateExited {
				info.Status = t.Status.String()
			}
			if t.Err != nil {
				info.Error = t.Err.Error()
			}
			threads = append(threads, info)
		}
	}

	s.writeJSON(w, threads)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.metrics.Snapshot())
}

// WorkloadRequest はワークロード開始リクエスト
type WorkloadRequest struct {
	Preset  string `json:"preset"`
	Threads int    `json:"threads,omitempty"`
	Items   int    `json:"items,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

func (s *Server) handleWorkloadStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req WorkloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// プリセット取得
	config, ok := workload.GetPreset(req.Preset)
	if !ok {
		config = workload.QuickWorkload()
	}

	// オーバーライド
	if req.Threads > 0 {
		config.Threads = req.Threads
	}
	if req.Items > 0 {
		config.Items = req.Items
	}
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			config.Timeout = d
		}
	}
	if err := config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		http.Error(w, "Workload already running", http.StatusConflict)
		return
	}

	engine := workload.New(config)
	engine.SetLogger(s.log)
	engine.SetEventBus(s.bus)
	engine.SetMetrics(s.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s.config = config
	s.engine = engine
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	// バックグラウンドで実行
	go func() {
		defer cancel()
		result, err := engine.Run(ctx)

		s.mu.Lock()
		s.running = false
		s.cancel = nil
		if result != nil {
			s.lastResult = result
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Error("", "Workload failed: %v", err)
		} else {
			s.log.Info("", "Workload completed: %d items", result.Completed)
		}

		s.broadcast(map[string]any{
			"type":   "workload_complete",
			"result": result,
		})
	}()

	s.writeJSON(w, map[string]string{"status": "started", "workload": config.Name})
}

func (s *Server) handleWorkloadStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.stopWorkload() {
		http.Error(w, "No workload running", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "stop requested"})
}

// stopWorkload は実行中のワークロードを打ち切る
func (s *Server) stopWorkload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *Server) handleWorkloadResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	result := s.lastResult
	s.mu.RUnlock()

	if result == nil {
		http.Error(w, "No result yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, result)
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var presets []PresetInfo
	for _, name := range workload.ListPresets() {
		config, _ := workload.GetPreset(name)
		presets = append(presets, PresetInfo{Name: name, Description: config.Description})
	}

	s.writeJSON(w, presets)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(data any) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// forwardEvents はプールのライフサイクルイベントを WebSocket クライアントへ流す
func (s *Server) forwardEvents(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(map[string]any{
				"type":  "event",
				"event": ev,
			})
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.status()
			if !status.Running {
				continue
			}
			s.broadcast(map[string]any{
				"type":    "status",
				"status":  status,
				"metrics": s.metrics.Snapshot(),
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("", "Failed to encode JSON: %v", err)
	}
}
