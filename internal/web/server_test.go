package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christian-lee/birdsong/internal/audio"
	"github.com/christian-lee/birdsong/internal/constellation"
	"github.com/christian-lee/birdsong/internal/export"
	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/session"
	"github.com/christian-lee/birdsong/internal/species"
	"github.com/christian-lee/birdsong/internal/store"
)

// silentSource yields no audio until the capture context ends.
type silentSource struct{}

func (silentSource) Start(ctx context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.Close()
	}()
	return pr, nil
}

type fixture struct {
	srv       *Server
	handler   http.Handler
	store     *store.Store
	listener  *session.Listener
	hub       *Hub
	exportDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "birdsong.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts := session.Options{
		Detector:   session.Detector{Threshold: session.DefaultEnergyThreshold, Table: species.Default()},
		Analyser:   audio.DefaultAnalyserOptions(),
		SampleRate: 44100,
		Channels:   1,
		TickRate:   60,
	}
	l := session.NewListener(silentSource{}, nil, opts, session.Hooks{})
	t.Cleanup(func() { l.Stop() })

	hub := NewHub()
	dir := filepath.Join(t.TempDir(), "exports")
	srv := NewServer(Options{
		Listener:  l,
		Hub:       hub,
		Graph:     constellation.New(300, 1),
		Store:     st,
		Location:  func() *time.Location { return time.UTC },
		ExportDir: func() string { return dir },
	})
	return &fixture{srv: srv, handler: srv.Handler(), store: st, listener: l, hub: hub, exportDir: dir}
}

func (f *fixture) do(t *testing.T, method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func testDetection(id string, at time.Time) session.Detection {
	sig, _ := species.Default().Lookup("tenca")
	return session.Detection{
		SessionID:   id,
		Timestamp:   at,
		Band:        features.BandMid,
		TotalEnergy: 120,
		Normalized:  features.Normalized{Low: 0.5, Mid: 0.3, High: 0.2},
		Result:      species.Result{Signature: sig, Confidence: 85},
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/start")
	require.Equal(t, http.StatusOK, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.NotEmpty(t, started["session_id"])

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/start").Code)

	var st Status
	require.NoError(t, json.Unmarshal(f.do(t, http.MethodGet, "/api/status").Body.Bytes(), &st))
	assert.True(t, st.Listening)
	require.NotNil(t, st.Summary)
	assert.Equal(t, started["session_id"], st.Summary.SessionID)

	rec = f.do(t, http.MethodPost, "/api/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.True(t, sum.Ended)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/stop").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/reset").Code)

	audit, err := f.store.GetAuditLog(10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "stop", audit[0].Action)
	assert.Equal(t, "anonymous", audit[0].Username)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/start").Code)
}

func TestPause(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"paused":true}`, rec.Body.String())
	assert.True(t, f.listener.Paused())

	rec = f.do(t, http.MethodPost, "/api/pause?paused=false")
	assert.JSONEq(t, `{"paused":false}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/pause?paused=maybe").Code)
}

func TestLogAndExportCurrentSession(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/export.csv").Code)

	sess, err := f.listener.Start(context.Background())
	require.NoError(t, err)
	first := sess.StartedAt().Add(time.Second)
	second := first.Add(time.Second)
	require.True(t, sess.Record(testDetection(sess.ID, first)))
	require.True(t, sess.Record(testDetection(sess.ID, second)))

	var entries []session.Entry
	require.NoError(t, json.Unmarshal(f.do(t, http.MethodGet, "/api/log?n=1").Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, second.UnixMilli(), entries[0].TimestampMS)

	rec := f.do(t, http.MethodGet, "/api/export.csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), sess.ID)
	lines := strings.Split(rec.Body.String(), "\n")
	require.Len(t, lines, 3)
	want := fmt.Sprintf(`%d,"%s",0.500,0.300,0.200,120,"tenca"`, first.UnixMilli(), first.UTC().Format(export.DateTimeLayout))
	assert.True(t, strings.HasPrefix(lines[1], want), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], fmt.Sprint(second.UnixMilli())+","))

	rec = f.do(t, http.MethodPost, "/api/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sess.Entries())
}

func TestExportArchivedSession(t *testing.T) {
	f := newFixture(t)
	start := time.UnixMilli(0)
	require.NoError(t, f.store.BeginSession("archived", start))
	require.NoError(t, f.store.SaveDetection(testDetection("archived", time.UnixMilli(1000))))

	rec := f.do(t, http.MethodGet, "/api/export.csv?session=archived")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Mimus thenca"`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/export.csv?session=missing").Code)

	var list []store.SessionInfo
	require.NoError(t, json.Unmarshal(f.do(t, http.MethodGet, "/api/sessions").Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Events)
}

func TestExportFiles(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/exports")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	sess := session.New(time.Date(2025, 10, 1, 6, 30, 0, 0, time.UTC))
	require.True(t, sess.Record(testDetection(sess.ID, sess.StartedAt().Add(time.Second))))
	path, err := export.SaveCSV(f.exportDir, sess, time.UTC)
	require.NoError(t, err)
	name := filepath.Base(path)

	var files []export.FileInfo
	require.NoError(t, json.Unmarshal(f.do(t, http.MethodGet, "/api/exports").Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, name, files[0].Name)
	assert.Positive(t, files[0].Size)

	rec = f.do(t, http.MethodGet, "/exports/"+name)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), name)
	assert.Contains(t, rec.Body.String(), `"Mimus thenca"`)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/exports/notes.txt").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/exports/"+export.FilePrefix+"missing.csv").Code)
}

func TestExportFiles_NoDir(t *testing.T) {
	f := newFixture(t)
	f.srv.opts.ExportDir = nil
	handler := f.srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports", nil))
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/exports/"+export.FilePrefix+"x.csv", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGraphAndSignatures(t *testing.T) {
	f := newFixture(t)
	f.srv.opts.Graph.Add(features.BandLow, 200, "zorzal")

	var snap constellation.Snapshot
	require.NoError(t, json.Unmarshal(f.do(t, http.MethodGet, "/api/graph").Body.Bytes(), &snap))
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "zorzal", snap.Nodes[0].Species)

	var sigs []species.Signature
	require.NoError(t, json.Unmarshal(f.do(t, http.MethodGet, "/api/signatures").Body.Bytes(), &sigs))
	assert.Len(t, sigs, 5)
}

func TestAuth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.EnsureAdmin("admin", "secret"))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status").Code)
	rec := f.do(t, http.MethodGet, "/")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/login").Code)

	login := func(pass string) *httptest.ResponseRecorder {
		form := url.Values{"username": {"admin"}, "password": {pass}}
		req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, login("wrong").Code)

	rec = login("secret")
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status", cookies[0]).Code)
	assert.Equal(t, http.StatusFound, f.do(t, http.MethodGet, "/login", cookies[0]).Code)

	rec = f.do(t, http.MethodGet, "/api/logout", cookies[0])
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", cookies[0]).Code)
}

func TestHubBroadcastsDetections(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.hub.Observe(context.Background(), testDetection("s1", time.UnixMilli(5000))))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string        `json:"type"`
		Data detectionJSON `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "detection", msg.Type)
	assert.Equal(t, "s1", msg.Data.SessionID)
	assert.Equal(t, "tenca", msg.Data.SpeciesKey)
	assert.Equal(t, "Tenca (Mimus thenca)", msg.Data.Label)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
