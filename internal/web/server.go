package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/christian-lee/birdsong/internal/constellation"
	"github.com/christian-lee/birdsong/internal/export"
	"github.com/christian-lee/birdsong/internal/session"
	"github.com/christian-lee/birdsong/internal/store"
)

const (
	cookieName = "birdsong_token"
	loginTTL   = 24 * time.Hour
)

type ctxKey struct{}

// Options wires the panel to the running pipeline.
type Options struct {
	Port     int
	Listener *session.Listener
	Hub      *Hub
	Graph    *constellation.Graph
	Store    *store.Store
	Location func() *time.Location
	// ExportDir is where stopped sessions are saved; nil hides the exports list.
	ExportDir func() string
	// BaseContext parents sessions started from the panel; defaults to Background.
	BaseContext context.Context
}

// Server serves the field panel and its JSON API. Login is required when the
// store holds at least one user.
type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	if opts.Location == nil {
		opts.Location = func() *time.Location { return time.Local }
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	return &Server{opts: opts}
}

func (s *Server) authEnabled() bool {
	has, err := s.opts.Store.HasUsers()
	if err != nil {
		slog.Error("check users failed", "err", err)
		return true
	}
	return has
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := s.requireAuth

	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/logout", s.handleLogout)

	mux.HandleFunc("GET /{$}", auth(s.handleIndex))
	mux.HandleFunc("GET /api/status", auth(s.handleStatus))
	mux.HandleFunc("POST /api/start", auth(s.handleStart))
	mux.HandleFunc("POST /api/stop", auth(s.handleStop))
	mux.HandleFunc("POST /api/reset", auth(s.handleReset))
	mux.HandleFunc("POST /api/pause", auth(s.handlePause))
	mux.HandleFunc("GET /api/log", auth(s.handleLog))
	mux.HandleFunc("GET /api/graph", auth(s.handleGraph))
	mux.HandleFunc("GET /api/export.csv", auth(s.handleExport))
	mux.HandleFunc("GET /api/exports", auth(s.handleExports))
	mux.HandleFunc("GET /exports/{name}", auth(s.handleExportFile))
	mux.HandleFunc("GET /api/sessions", auth(s.handleSessions))
	mux.HandleFunc("GET /api/signatures", auth(s.handleSignatures))
	mux.HandleFunc("GET /api/audit", auth(s.handleAudit))
	mux.HandleFunc("GET /ws", auth(s.opts.Hub.ServeWS))
	return mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("🌐 web panel started", "addr", srv.Addr, "auth", s.authEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()
	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		case <-cleanup.C:
			s.opts.Store.CleanExpiredLogins(time.Now())
		case <-ctx.Done():
			s.opts.Hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// --- Auth ---

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) currentUser(r *http.Request) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	login, err := s.opts.Store.LookupLogin(cookie.Value, time.Now())
	if err != nil {
		slog.Error("lookup login failed", "err", err)
		return ""
	}
	if login == nil {
		return ""
	}
	return login.Username
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, "anonymous")))
			return
		}
		if user := s.currentUser(r); user != "" {
			next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
			return
		}
		// API calls get 401, page requests redirect to login
		if strings.HasPrefix(r.URL.Path, "/api") || r.URL.Path == "/ws" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(ctxKey{}).(string)
	return u
}

func (s *Server) audit(r *http.Request, action, detail string) {
	s.opts.Store.Log(userFrom(r), action, detail, r.RemoteAddr)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad form")
		return
	}
	username := r.FormValue("username")
	u, err := s.opts.Store.Authenticate(username, r.FormValue("password"))
	if err != nil {
		slog.Error("authenticate failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		slog.Warn("login rejected", "username", username, "ip", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token := generateToken()
	if err := s.opts.Store.SaveLogin(token, u.ID, time.Now().Add(loginTTL)); err != nil {
		slog.Error("save login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(loginTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	slog.Info("user logged in", "username", u.Username, "ip", r.RemoteAddr)
	s.opts.Store.Log(u.Username, "login", "", r.RemoteAddr)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(cookieName); err == nil {
		s.opts.Store.DeleteLogin(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if !s.authEnabled() || s.currentUser(r) != "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, loginHTML)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

// --- Listening control ---

// Status is the panel's polling payload.
type Status struct {
	Listening bool             `json:"listening"`
	Paused    bool             `json:"paused"`
	Level     float64          `json:"level"`
	Clients   int              `json:"clients"`
	Summary   *session.Summary `json:"summary,omitempty"`
	Current   *detectionJSON   `json:"current,omitempty"`
}

func (s *Server) status() Status {
	l := s.opts.Listener
	st := Status{
		Listening: l.Listening(),
		Paused:    l.Paused(),
		Level:     l.Level(),
		Clients:   s.opts.Hub.Clients(),
	}
	if sess := l.Session(); sess != nil {
		sum := sess.Summary(time.Now())
		st.Summary = &sum
		if d, ok := sess.Last(); ok {
			v := detectionView(d)
			st.Current = &v
		}
	}
	return st
}

func (s *Server) broadcastStatus() {
	if err := s.opts.Hub.Broadcast(Message{Type: "status", Data: s.status()}); err != nil {
		slog.Warn("broadcast status failed", "err", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Listener.Start(s.opts.BaseContext)
	if errors.Is(err, session.ErrAlreadyListening) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		slog.Error("start listening failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.opts.Graph.Clear()
	s.audit(r, "start", sess.ID)
	s.broadcastStatus()
	writeJSON(w, map[string]string{"session_id": sess.ID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Listener.Stop()
	if errors.Is(err, session.ErrNotListening) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "stop", sess.ID)
	s.broadcastStatus()
	writeJSON(w, sess.Summary(time.Now()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Listener.Reset(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	sess := s.opts.Listener.Session()
	if err := s.opts.Store.ResetSession(sess.ID, sess.StartedAt()); err != nil {
		slog.Error("reset archived session failed", "session", sess.ID, "err", err)
	}
	s.opts.Graph.Clear()
	s.audit(r, "reset", sess.ID)
	s.broadcastStatus()
	writeJSON(w, sess.Summary(time.Now()))
}

// handlePause sets pause from ?paused=true|false, or toggles without it.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	l := s.opts.Listener
	paused := !l.Paused()
	if v := r.URL.Query().Get("paused"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid paused")
			return
		}
		paused = p
	}
	l.SetPaused(paused)
	slog.Info("listening paused toggled", "paused", paused)
	s.audit(r, "pause", strconv.FormatBool(paused))
	s.broadcastStatus()
	writeJSON(w, map[string]bool{"paused": paused})
}

// --- Data ---

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = parsed
	}
	entries := []session.Entry{}
	if sess := s.opts.Listener.Session(); sess != nil {
		entries = append(entries, sess.Recent(n)...)
	}
	writeJSON(w, entries)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.Graph.Snapshot())
}

// handleExport streams the session log as CSV: ?session=<id> from the
// archive, otherwise the running or last session.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var (
		id      string
		entries []session.Entry
	)
	if id = r.URL.Query().Get("session"); id != "" {
		var err error
		entries, err = s.opts.Store.Entries(id)
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		sess := s.opts.Listener.Session()
		if sess == nil {
			writeError(w, http.StatusNotFound, "no session")
			return
		}
		id, entries = sess.ID, sess.Entries()
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s%s.csv"`, export.FilePrefix, id))
	if err := export.WriteCSV(w, entries, s.opts.Location()); err != nil {
		slog.Error("write csv failed", "session", id, "err", err)
		return
	}
	s.audit(r, "export", id)
}

func (s *Server) exportDir() string {
	if s.opts.ExportDir == nil {
		return ""
	}
	return s.opts.ExportDir()
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	files := []export.FileInfo{}
	if dir := s.exportDir(); dir != "" {
		list, err := export.ListFiles(dir)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		files = append(files, list...)
	}
	writeJSON(w, files)
}

func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	dir := s.exportDir()
	if dir == "" {
		http.NotFound(w, r)
		return
	}
	name := r.PathValue("name")
	path, err := export.Path(dir, name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	http.ServeFile(w, r, path)
	s.audit(r, "download", name)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Store.ListSessions(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []store.SessionInfo{}
	}
	writeJSON(w, list)
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.Listener.Options().Detector.Table.Signatures())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Store.GetAuditLog(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
