package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/exam-proctor/backend/internal/audit"
	"github.com/exam-proctor/backend/internal/config"
	"github.com/exam-proctor/backend/internal/evidence"
	"github.com/exam-proctor/backend/internal/gate"
	"github.com/exam-proctor/backend/internal/logging"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/store"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
		"Referrer-Policy":         "no-referrer",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	store *store.Store
	gate  *gate.Gate
	sink  *audit.MemorySink
}

const adminPassword = "correct horse"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.Discard()

	cfg := config.Default()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Admin.Email = "admin@example.com"
	cfg.Admin.PasswordHash = string(hash)

	st, err := store.Open(filepath.Join(t.TempDir(), "exam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := audit.NewMemorySink()
	dispatcher, err := audit.NewDispatcher(sink, 2, log)
	require.NoError(t, err)
	t.Cleanup(func() { dispatcher.Close(time.Second) })

	g := gate.New(st, gate.Window{}, log)
	capturer := evidence.NewCapturer(evidence.NewDiskStore(t.TempDir(), 0), st, nil, log)
	b := NewBroadcaster(session.NewStore(), BroadcasterOptions{SnapshotInterval: time.Hour}, log)
	t.Cleanup(b.Stop)

	s := NewServer(cfg, Deps{
		Store:       st,
		Gate:        g,
		Audit:       dispatcher,
		Evidence:    capturer,
		Broadcaster: b,
		Logger:      log,
	})
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		hs.Close()
	})

	return &fixture{srv: s, http: hs, store: st, gate: g, sink: sink}
}

func (f *fixture) post(t *testing.T, path string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return do(t, req)
}

func (f *fixture) get(t *testing.T, path string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func errorText(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func (f *fixture) login(t *testing.T, email string) loginResponse {
	t.Helper()
	resp, body := f.post(t, "/login", loginRequest{Name: "Ana Lima", Email: email, College: "UFMG"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out loginResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	resp, body := f.post(t, "/admin/login", adminLoginRequest{Email: "admin@example.com", Password: adminPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out adminLoginResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestLoginAdmitsOnce(t *testing.T) {
	f := newFixture(t)

	out := f.login(t, "ana@example.com")
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, 3000, out.RemainingSeconds)

	resp, body := f.post(t, "/login", loginRequest{Email: "ana@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gate.ReasonAlreadyAttempted, errorText(t, body))
}

func TestLoginRejections(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/login", loginRequest{Name: "No Email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Email required", errorText(t, body))

	f.gate.SetWindow(gate.Window{Start: time.Now().Add(time.Hour)})
	resp, body = f.post(t, "/login", loginRequest{Email: "early@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gate.ReasonNotStarted, errorText(t, body))

	f.gate.SetWindow(gate.Window{End: time.Now().Add(-time.Hour)})
	resp, body = f.post(t, "/login", loginRequest{Email: "late@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gate.ReasonEnded, errorText(t, body))

	resp, _ = f.get(t, "/login")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSubmitWritesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, _ := f.post(t, "/submit", submitRequest{Email: "ana@example.com", Answers: []string{"A", "B"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.post(t, "/submit", submitRequest{Email: "ana@example.com", Answers: []string{"C"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results, err := f.store.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"A", "B"}, results[0].Answers)

	resp, body := f.post(t, "/login", loginRequest{Email: "ana@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gate.ReasonAlreadyAttempted, errorText(t, body))
}

func TestSubmitOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.gate.SetWindow(gate.Window{End: time.Now().Add(-time.Minute)})

	resp, body := f.post(t, "/submit", submitRequest{Email: "ana@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gate.ReasonEnded, errorText(t, body))

	f.gate.SetWindow(gate.Window{End: time.Now().Add(-time.Minute), Grace: 5 * time.Minute})
	resp, _ = f.post(t, "/submit", submitRequest{Email: "ana@example.com"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "grace period applies to submissions")
}

func TestLogRecordsAudit(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/log", logRequest{Email: "ana@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/log", logRequest{Candidate: "Ana", Email: "ana@example.com", Type: "Copy attempt"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return f.sink.Count() == 1 }, time.Second, 10*time.Millisecond)
	rec := f.sink.Records()[0]
	assert.Equal(t, audit.KindLog, rec.Kind)
	assert.Equal(t, "Copy attempt", rec.Type)
	assert.Equal(t, "Ana", rec.CandidateName)
}

func multipartSnapshot(t *testing.T, email string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("email", email))
	require.NoError(t, mw.WriteField("reason", "Phone detected"))
	if image != nil {
		fw, err := mw.CreateFormFile("image", "snap.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func TestUploadSnapshot(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		email  string
		image  []byte
		status int
	}{
		{"png", "ana@example.com", pngBytes(t), http.StatusOK},
		{"not an image", "ana@example.com", []byte("hello"), http.StatusUnsupportedMediaType},
		{"missing file", "ana@example.com", nil, http.StatusBadRequest},
		{"missing email", "", pngBytes(t), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ctype := multipartSnapshot(t, tt.email, tt.image)
			resp, err := http.Post(f.http.URL+"/upload-snapshot", ctype, body)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	snaps, err := f.store.Snapshots(context.Background(), "ana@example.com")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "Phone detected", snaps[0].Reason)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/admin/results")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.post(t, "/admin/login", adminLoginRequest{Email: "admin@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.post(t, "/submit", submitRequest{Email: "ana@example.com", Answers: []string{"A", "C"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := f.adminToken(t)

	resp, body := f.get(t, "/admin/results", "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []store.Result
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "ana@example.com", results[0].Email)

	resp, body = f.get(t, "/admin/export-results?token="+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "email,submittedAt,answers", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ana@example.com,"))
	assert.Contains(t, lines[1], `"[""A"",""C""]"`)
}

func TestAdminTokenExpires(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)

	f.srv.tokens.Set(token, time.Now().Add(-time.Minute))
	resp, _ := f.get(t, "/admin/results", tokenHeader, token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, f.srv.tokens.Has(token))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/live", "/ready", "/metrics"} {
		resp, _ := f.get(t, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func wsURL(f *fixture, path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestObserverRequiresToken(t *testing.T) {
	f := newFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f, "/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "/ws?token="+f.adminToken(t)), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, MsgSnapshot, readMessage(t, conn).Type)
}

func TestCandidateFeedUnknownSession(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/ws/candidate?session=nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCandidateFeedTabSwitchTerminates(t *testing.T) {
	f := newFixture(t)

	observer, _, err := websocket.DefaultDialer.Dial(wsURL(f, "/ws?token="+f.adminToken(t)), nil)
	require.NoError(t, err)
	defer observer.Close()
	require.Equal(t, MsgSnapshot, readMessage(t, observer).Type)

	out := f.login(t, "ana@example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "/ws/candidate?session="+out.SessionID), nil)
	require.NoError(t, err)
	defer conn.Close()

	state := readMessage(t, conn)
	require.Equal(t, MsgState, state.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": InAnswers, "answers": []string{"B"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": InBrowser, "event": "tab_hidden"}))

	var notices []NoticePayload
	for len(notices) < 2 {
		msg := readMessage(t, conn)
		if msg.Type != MsgNotice {
			continue
		}
		var n NoticePayload
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		notices = append(notices, n)
	}
	assert.Equal(t, "❌ Tab switched. Exam terminated.", notices[0].Message)
	assert.True(t, notices[1].Final)

	// Observers see the start, the violation and the end, in order.
	var types []MessageType
	for len(types) < 3 {
		types = append(types, readMessage(t, observer).Type)
	}
	assert.Equal(t, []MessageType{MsgSessionStarted, MsgViolation, MsgSessionEnded}, types)

	ctx := context.Background()
	results, err := f.store.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"B"}, results[0].Answers)

	require.Eventually(t, func() bool { return f.sink.Count() == 1 }, 2*time.Second, 20*time.Millisecond)
	rec := f.sink.Records()[0]
	assert.Equal(t, audit.KindViolation, rec.Kind)
	assert.Equal(t, "Tab switched", rec.Type)

	require.Eventually(t, func() bool { return f.srv.live.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(config.Default(), Deps{Logger: logging.Discard()})
	allowed := NewServer(&config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"https://exam.example.com"}}}, Deps{Logger: logging.Discard()})

	tests := []struct {
		name   string
		srv    *Server
		origin string
		want   bool
	}{
		{"no origin", s, "", true},
		{"same host", s, "http://exam.local:8080", true},
		{"localhost", s, "http://localhost:5173", true},
		{"ipv6 loopback", s, "http://[::1]:3000", true},
		{"foreign", s, "https://evil.example.com", false},
		{"allow list", allowed, "https://exam.example.com", true},
		{"not in allow list", allowed, "http://localhost:5173", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://exam.local:8080/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.srv.checkOrigin(req))
		})
	}
}
