// Package server 提供网关的 HTTP API 与事件推送。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"streamgate/internal/ctxkeys"
	"streamgate/internal/gateway"
	"streamgate/internal/logger"
	"streamgate/internal/service"
	"streamgate/pkg/api"
	"streamgate/pkg/model"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// 仅供本机播放器连接
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server HTTP 服务
type Server struct {
	svc    api.Service
	log    logger.Logger
	router *chi.Mux
	http   *http.Server
}

// New 创建服务并注册路由
func New(addr string, svc api.Service, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{svc: svc, log: l.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.traceLog)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleStart)
		r.Get("/sessions", s.handleList)
		r.Get("/sessions/{id}", s.handleGet)
		r.Post("/sessions/{id}/retry", s.handleRetry)
		r.Delete("/sessions/{id}", s.handleStop)
		r.Get("/sessions/{id}/events", s.handleEvents)
		r.Get("/classify", s.handleClassify)
		r.Get("/scrubber.js", s.handleScript)
		r.Get("/history", s.handleHistory)
	})
	s.router = r
	s.http = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe 开始监听，正常关闭时返回 nil
func (s *Server) ListenAndServe() error {
	s.log.Info("HTTP 服务启动", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// traceLog 把请求ID写入上下文并记录访问日志
func (s *Server) traceLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		ctx := context.WithValue(r.Context(), ctxkeys.TraceIDKey{}, reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.log.Debug("HTTP 请求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start).String(),
			"traceID", reqID,
		)
	})
}

type startRequest struct {
	URL        string `json:"url"`
	Player     string `json:"player"`
	ServerName string `json:"serverName"`
	Quality    string `json:"quality"`
}

type startResponse struct {
	ID    model.SessionID `json:"id"`
	State model.State     `json:"state"`
	Error string          `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.svc.ListSessions())})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	cfg := model.SessionConfig{URL: req.URL, Player: req.Player, ServerName: req.ServerName, Quality: req.Quality}

	// 会话生命周期不随 HTTP 请求结束
	id, err := s.svc.StartSession(context.WithoutCancel(r.Context()), cfg)
	if id == "" {
		s.fail(w, err)
		return
	}
	// 加载失败时会话已进入 FAILED，仍返回 ID 供客户端重试
	resp := startResponse{ID: id}
	if info, gerr := s.svc.GetSession(id); gerr == nil {
		resp.State = info.State
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListSessions())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetSession(sessionID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RetrySession(context.WithoutCancel(r.Context()), sessionID(r))
	if err != nil && !isLoadError(err) {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopSession(sessionID(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("url") {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Classify(q.Get("url"), q.Get("origin")))
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(s.svc.ScrubberScript()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleEvents 以 websocket 推送会话事件，会话关闭后断开
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	events, cancel, err := s.svc.SubscribeEvents(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket 升级失败", "error", err)
		return
	}
	defer conn.Close()
	s.log.Debug("事件订阅已连接", "sessionID", string(id), "remote", r.RemoteAddr)

	// 读循环只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if info, err := s.svc.GetSession(id); err == nil {
		snapshot := model.Event{Type: model.EventState, Session: id, Attempt: info.Attempt, State: info.State, URL: info.TargetURL, Timestamp: time.Now().UnixMilli()}
		if err := writeEvent(conn, snapshot); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev model.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func sessionID(r *http.Request) model.SessionID {
	return model.SessionID(chi.URLParam(r, "id"))
}

// isLoadError 重试已受理但加载失败，会话此时处于 FAILED
func isLoadError(err error) bool {
	return !errors.Is(err, service.ErrSessionNotFound) &&
		!errors.Is(err, gateway.ErrNotFailed) &&
		!errors.Is(err, gateway.ErrClosed)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Err(err, "请求处理失败")
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNotFailed), errors.Is(err, gateway.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
