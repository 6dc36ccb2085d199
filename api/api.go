// Package api is the thin HTTP control surface over the connection
// manager. It owns routing, JSON shaping, and CORS; every operation maps
// 1:1 onto a manager call.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"screenlink/discovery"
	"screenlink/network"
	"screenlink/storage"
)

// Options wires the control surface to its collaborators.
type Options struct {
	Manager    *network.Manager
	Store      *storage.Store
	DeviceName string
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// Server serves the local control API.
type Server struct {
	manager    *network.Manager
	store      *storage.Store
	deviceName string
	metrics    http.Handler

	announceMu sync.Mutex
	announcer  *discovery.Announcer
}

// NewServer builds the control surface.
func NewServer(opts Options) *Server {
	return &Server{
		manager:    opts.Manager,
		store:      opts.Store,
		deviceName: opts.DeviceName,
		metrics:    opts.MetricsHandler,
	}
}

// Handler returns the routed HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("GET /api/screenshot", s.handleScreenshot)
	mux.HandleFunc("GET /api/system-info", s.handleSystemInfo)
	mux.HandleFunc("GET /api/discovered", s.handleDiscovered)
	mux.HandleFunc("GET /api/security-events", s.handleSecurityEvents)
	mux.HandleFunc("GET /api/settings", s.handleGetSetting)
	mux.HandleFunc("POST /api/settings", s.handleSetSetting)
	mux.HandleFunc("POST /api/start-hosting", s.handleStartHosting)
	mux.HandleFunc("POST /api/stop-hosting", s.handleStopHosting)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/send-mouse-event", s.handleMouseEvent)
	mux.HandleFunc("POST /api/send-keyboard-event", s.handleKeyboardEvent)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return withCORS(mux)
}

// StopAnnouncing withdraws any active mDNS announcement.
func (s *Server) StopAnnouncing() {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	if s.announcer != nil {
		s.announcer.Stop()
		s.announcer = nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":      s.manager.IsConnected(),
		"hosting":        s.manager.IsHosting(),
		"remote_address": s.manager.RemoteAddress(),
		"host_id":        s.manager.HostID(),
		"timestamp":      time.Now().Unix(),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	status := s.manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"connections": status.Sessions})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	quality := 70
	if raw := r.URL.Query().Get("quality"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			quality = parsed
		}
	}

	frame, err := s.manager.GetRemoteScreen(quality)
	if err != nil || len(frame) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Unable to get screenshot"})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"hostname":    hostname,
		"device_name": s.deviceName,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"cpus":        runtime.NumCPU(),
		"go_version":  runtime.Version(),
	})
}

func (s *Server) handleDiscovered(w http.ResponseWriter, r *http.Request) {
	hosts, err := discovery.Browse(r.Context(), discovery.Config{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if hosts == nil {
		hosts = []discovery.Host{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []storage.SecurityEvent{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	events, err := s.store.ListSecurityEvents(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if events == nil {
		events = []storage.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "settings are unavailable"})
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "key is required"})
		return
	}

	value, err := s.store.GetSetting(key)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "setting not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "settings are unavailable"})
		return
	}
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.store.SetSetting(body.Key, body.Value); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

func (s *Server) handleStartHosting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ListenAddress string `json:"listen_address"`
		HostID        string `json:"host_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.manager.StartHosting(network.HostConfig{
		ListenAddress: body.ListenAddress,
		HostID:        body.HostID,
	}); err != nil {
		writeManagerError(w, err)
		return
	}

	s.startAnnouncing()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "hosting",
		"host_id": s.manager.HostID(),
	})
}

func (s *Server) handleStopHosting(w http.ResponseWriter, r *http.Request) {
	s.StopAnnouncing()
	s.manager.StopHosting()
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
		HostID  string `json:"host_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "address is required"})
		return
	}

	if err := s.manager.Connect(body.Address, body.HostID); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "connected",
		"remote_address": s.manager.RemoteAddress(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.manager.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
}

func (s *Server) handleMouseEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		X       int32  `json:"x"`
		Y       int32  `json:"y"`
		Buttons uint8  `json:"buttons"`
		Action  string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	action, ok := parseAction(body.Action)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid action"})
		return
	}

	err := s.manager.SendMouseEvent(network.MouseEvent{
		X:       body.X,
		Y:       body.Y,
		Buttons: network.ButtonMask(body.Buttons),
		Action:  action,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

func (s *Server) handleKeyboardEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keycode uint32 `json:"keycode"`
		Action  string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	action, ok := parseAction(body.Action)
	if !ok || (action != network.ActionDown && action != network.ActionUp) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid action"})
		return
	}

	err := s.manager.SendKeyEvent(network.KeyEvent{
		Keycode: body.Keycode,
		Action:  action,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

// startAnnouncing registers the fresh hosting period over mDNS.
// Announcement failure never fails start-hosting; discovery is advisory.
func (s *Server) startAnnouncing() {
	status := s.manager.Snapshot()
	_, portText, err := net.SplitHostPort(status.ListenAddress)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 {
		return
	}

	announcer, err := discovery.Announce(discovery.Config{
		HostID:     status.HostID,
		DeviceName: s.deviceName,
		Port:       port,
	})
	if err != nil {
		return
	}

	s.announceMu.Lock()
	if s.announcer != nil {
		s.announcer.Stop()
	}
	s.announcer = announcer
	s.announceMu.Unlock()
}

func parseAction(raw string) (network.Action, bool) {
	switch raw {
	case "move":
		return network.ActionMove, true
	case "down":
		return network.ActionDown, true
	case "up":
		return network.ActionUp, true
	case "scroll":
		return network.ActionScroll, true
	default:
		return 0, false
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return false
	}
	return true
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, network.ErrAlreadyActive):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, network.ErrNotConnected):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, network.ErrHandshakeRejected):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the control API until ctx is cancelled.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	server := &http.Server{
		Addr:         address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
