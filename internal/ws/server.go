package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/steam-nexus/backend/internal/session"
)

// FreePackageSource is the catalog-cache collaborator: a read-only view
// of the package ids currently known to be free.
type FreePackageSource interface {
	FreePackages() []uint32
}

type Server struct {
	store          *session.Store
	hub            *Hub
	catalog        FreePackageSource
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(store *session.Store, hub *Hub, catalog FreePackageSource, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		store:          store,
		hub:            hub,
		catalog:        catalog,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/steam/login", s.cors(s.handleLogin))
	mux.HandleFunc("/api/steam/submitcode", s.cors(s.handleSubmitCode))
	mux.HandleFunc("/api/steam/licenses", s.cors(s.handleLicenses))
	mux.HandleFunc("/api/steam/addfreegames", s.cors(s.handleAddFreeGames))
	mux.HandleFunc("/api/steam/sessions/", s.cors(s.handleSessionRoutes))
	mux.HandleFunc("/api/healthz", s.cors(s.handleHealthz))
}

// cors mirrors the permissive policy of the original deployment: the
// operator's front end lives on another origin.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.requireAuth(w, r) {
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result := s.store.Create(req.Username, req.Password)
	if !result.Success {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitCodeRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

type submitCodeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.requireAuth(w, r) {
		return
	}

	var req submitCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "sessionId and code are required")
		return
	}

	sess, ok := s.lookup(w, req.SessionID)
	if !ok {
		return
	}

	// The pending guard flag decides which code channel the submission
	// belongs to.
	var kind session.CodeKind
	switch {
	case sess.GuardEmailPending():
		kind = session.CodeEmail
	case sess.GuardDevicePending():
		kind = session.CodeDevice
	default:
		writeError(w, http.StatusConflict, "no Steam Guard code is currently expected for this session")
		return
	}

	if err := sess.SubmitCode(req.Code, kind); err != nil {
		writeError(w, http.StatusConflict, "session is not accepting codes: no login in progress")
		return
	}

	writeJSON(w, http.StatusOK, submitCodeResponse{
		Status:  session.StartStatusRequires2FA,
		Message: fmt.Sprintf("Steam Guard %s code submitted, reconnecting.", kind),
	})
}

type licensesResponse struct {
	SessionID    string   `json:"sessionId"`
	LicenseCount int      `json:"licenseCount"`
	PackageIDs   []uint32 `json:"packageIds"`
}

func (s *Server) handleLicenses(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) || !s.requireAuth(w, r) {
		return
	}

	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	sess, ok := s.lookup(w, id)
	if !ok {
		return
	}
	if !sess.Connected() {
		writeError(w, http.StatusConflict, "steam session is not connected; log in and complete the Steam Guard challenge first")
		return
	}

	owned := sess.OwnedLicenses()
	writeJSON(w, http.StatusOK, licensesResponse{
		SessionID:    id,
		LicenseCount: len(owned),
		PackageIDs:   owned,
	})
}

type addFreeGamesRequest struct {
	SessionID string `json:"sessionId"`
}

type addFreeGamesResponse struct {
	Message           string   `json:"message"`
	AddedPackageIDs   []uint32 `json:"addedPackageIds"`
	OwnedLicenseCount int      `json:"ownedLicenseCount"`
}

func (s *Server) handleAddFreeGames(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.requireAuth(w, r) {
		return
	}

	var req addFreeGamesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	sess, ok := s.lookup(w, req.SessionID)
	if !ok {
		return
	}
	if !sess.LoggedOn() {
		writeError(w, http.StatusConflict, "session is not logged on")
		return
	}

	candidates := s.catalog.FreePackages()
	if len(candidates) == 0 {
		writeJSON(w, http.StatusOK, addFreeGamesResponse{
			Message:           "no free packages in catalog cache",
			AddedPackageIDs:   []uint32{},
			OwnedLicenseCount: len(sess.OwnedLicenses()),
		})
		return
	}

	// Grants are asynchronous: the owned set updates when the next
	// license list event lands.
	sess.RequestLicenses(candidates)

	writeJSON(w, http.StatusOK, addFreeGamesResponse{
		Message:           fmt.Sprintf("requesting %d free licenses", len(candidates)),
		AddedPackageIDs:   candidates,
		OwnedLicenseCount: len(sess.OwnedLicenses()),
	})
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/steam/sessions/")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id format")
		return
	}
	if !s.store.Remove(id) {
		writeError(w, http.StatusNotFound, "session not found or expired")
		return
	}
	log.Info().Str("session", id).Msg("session removed by request")
	w.WriteHeader(http.StatusNoContent)
}

type healthzResponse struct {
	Sessions       int     `json:"sessions"`
	ActiveSessions int     `json:"activeSessions"`
	Subscribers    int     `json:"subscribers"`
	CPUPercent     float64 `json:"cpuPercent"`
	RSSBytes       uint64  `json:"rssBytes"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	resp := healthzResponse{
		Sessions:       s.store.Count(),
		ActiveSessions: s.store.ActiveCount(),
		Subscribers:    s.hub.ClientCount(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	log.Info().Str("remote", r.RemoteAddr).Msg("status subscriber connected")
	c := s.hub.AddClient(conn)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			log.Info().Str("remote", r.RemoteAddr).Msg("status subscriber disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// lookup resolves a session id, writing the 400/404 response itself
// when the id is malformed or unknown.
func (s *Server) lookup(w http.ResponseWriter, id string) (*session.Session, bool) {
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id format")
		return nil, false
	}
	sess, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found or expired")
		return nil, false
	}
	return sess, true
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode error")
	}
}

// ListenAndServe runs the HTTP server on host:port and shuts it down
// gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown error")
		}
	}()

	log.Info().Str("addr", addr).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
