package ws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/exam-proctor/backend/internal/audit"
	"github.com/exam-proctor/backend/internal/evidence"
	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/store"
	"github.com/exam-proctor/backend/internal/violation"
)

const (
	maxJSONBody        = 1 << 20
	maxSnapshotSize    = 10 << 20
	candidateReadLimit = 8 << 20
	outboxSize         = 32
)

// liveSession is an admitted candidate's exam. The runtime starts when the
// candidate feed first connects.
type liveSession struct {
	id    string
	email string
	rt    *monitor.Runtime
	feed  *monitor.RemoteFeed
	out   chan []byte

	started  atomic.Bool
	attached atomic.Bool

	mu      sync.Mutex
	answers []string
}

// Answers returns the last answer sheet sent by the browser.
func (l *liveSession) Answers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.answers...)
}

func (l *liveSession) setAnswers(a []string) {
	l.mu.Lock()
	l.answers = append([]string(nil), a...)
	l.mu.Unlock()
}

// Notify queues a notice for the candidate feed. Notices are dropped when
// the browser is not reading.
func (l *liveSession) Notify(n lifecycle.Notice) {
	l.push(WSMessage{Type: MsgNotice, Payload: NoticePayload{Kind: string(n.Kind), Message: n.Message, Final: n.Final}})
}

func (l *liveSession) push(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case l.out <- data:
	default:
	}
}

// submitter writes results through the gate. A duplicate write is not an
// error: the first sheet stands.
type submitter struct{ s *Server }

func (sub submitter) Submit(ctx context.Context, email string, answers []string) error {
	return sub.s.submit(ctx, email, answers)
}

func (s *Server) submit(ctx context.Context, email string, answers []string) error {
	now := s.now()
	if err := s.gate.CheckSubmission(now); err != nil {
		return err
	}
	saved, err := s.store.SaveResult(ctx, email, answers, now)
	if err != nil {
		return err
	}
	if !saved {
		s.log.Info("duplicate submission ignored", "candidate", email)
	}
	return nil
}

type loginRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	College string `json:"college"`
}

type loginResponse struct {
	Success          bool   `json:"success"`
	SessionID        string `json:"sessionId"`
	RemainingSeconds int    `json:"remainingSeconds"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "Email required")
		return
	}

	err := s.gate.Admit(r.Context(), store.Candidate{
		Email:   req.Email,
		Name:    req.Name,
		Phone:   req.Phone,
		College: req.College,
	}, s.now())
	if err != nil {
		status, msg := rejectStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error("login failed", "candidate", req.Email, "error", err)
			msg = "Login failed"
		}
		writeError(w, status, msg)
		return
	}

	ls := s.newLiveSession(req.Email, req.Name)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:          true,
		SessionID:        ls.id,
		RemainingSeconds: ls.rt.Controller().Remaining(),
	})
}

func (s *Server) newLiveSession(email, name string) *liveSession {
	cfg := s.config()
	ls := &liveSession{
		id:    uuid.NewString(),
		email: email,
		feed:  monitor.NewRemoteFeed(cfg.Intervals.HeartbeatTimeout),
		out:   make(chan []byte, outboxSize),
	}

	deps := lifecycle.Deps{
		Submitter: submitter{s},
		Answers:   ls,
		Notifier:  ls,
		Logger:    s.log,
	}
	if s.audit != nil {
		deps.Audit = s.audit
	}
	if s.evidence != nil {
		deps.Evidence = s.evidence
	}
	if s.broadcaster != nil {
		deps.Publisher = s.broadcaster
	}

	ls.rt = monitor.New(
		session.ExamSession{ID: ls.id, CandidateID: email, CandidateName: name},
		monitor.Options{
			Thresholds: cfg.Thresholds,
			Intervals: monitor.Intervals{
				Voice:        cfg.Intervals.Voice,
				Connectivity: cfg.Intervals.Connectivity,
				Countdown:    time.Second,
			},
			Lifecycle: cfg.Exam.Lifecycle(),
		},
		// Face counts and object detections are pushed by the browser.
		monitor.Adapters{Frames: ls.feed, Levels: ls.feed, Connectivity: ls.feed},
		deps,
	)
	ls.rt.Controller().OnEnd(func(session.ExamSession) {
		s.live.Remove(ls.id)
	})
	s.live.Set(ls.id, ls)
	return ls
}

func (s *Server) findLive(email string) (*liveSession, bool) {
	for item := range s.live.IterBuffered() {
		if item.Val.email == email {
			return item.Val, true
		}
	}
	return nil, false
}

func (s *Server) handleCandidateWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	ls, ok := s.live.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !ls.attached.CompareAndSwap(false, true) {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ls.attached.Store(false)
		s.log.Warn("candidate ws upgrade error", "session", id, "error", err)
		return
	}
	conn.SetReadLimit(candidateReadLimit)
	log := s.log.With("session", id, "candidate", ls.email)
	log.Info("candidate feed connected", "remote", r.RemoteAddr)

	if ls.started.CompareAndSwap(false, true) {
		go func() {
			if err := ls.rt.Run(s.ctx); err != nil {
				log.Error("exam runtime failed", "error", err)
			}
		}()
	}
	ctrl := ls.rt.Controller()
	ls.push(WSMessage{Type: MsgState, Payload: StatePayload{State: ctrl.State(), RemainingSeconds: ctrl.Remaining()}})

	closed := make(chan struct{})
	go s.candidateWriter(conn, ls, closed)

	defer func() {
		close(closed)
		ls.attached.Store(false)
		log.Info("candidate feed disconnected")
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ls.feed.Heartbeat()
		var msg CandidateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ls.push(WSMessage{Type: MsgError, Payload: ErrorPayload{Message: "invalid message"}})
			continue
		}
		if err := s.route(ls, msg); err != nil {
			log.Debug("candidate message rejected", "type", msg.Type, "error", err)
			ls.push(WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
		}
	}
}

// candidateWriter relays queued messages to the browser. Once the exam has
// ended it flushes the final notices and closes the socket.
func (s *Server) candidateWriter(conn *websocket.Conn, ls *liveSession, closed <-chan struct{}) {
	defer conn.Close()
	write := func(data []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	for {
		select {
		case <-closed:
			return
		case data := <-ls.out:
			if !write(data) {
				return
			}
		case <-ls.rt.Done():
			for {
				select {
				case data := <-ls.out:
					if !write(data) {
						return
					}
				default:
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "exam ended"),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

var errUnknownMessage = errors.New("unknown message type")

// route applies one browser message to the session.
func (s *Server) route(ls *liveSession, msg CandidateMessage) error {
	switch msg.Type {
	case InHeartbeat:
	case InFaces:
		if msg.Faces == nil {
			return errors.New("faces: missing count")
		}
		ls.rt.Post(violation.Observation{Signal: violation.SignalFace, Faces: *msg.Faces})
	case InAudio:
		switch {
		case msg.Level != nil:
			ls.feed.SetLevel(*msg.Level)
		case len(msg.Samples) > 0:
			ls.feed.SetLevel(violation.RMSBytes(msg.Samples))
		default:
			return errors.New("audio: missing level")
		}
	case InObjects:
		ls.rt.Post(violation.Observation{Signal: violation.SignalPhone, Detections: msg.Detections})
	case InFrame:
		img, err := decodeFrame(msg.Frame)
		if err != nil {
			return err
		}
		ls.feed.SetFrame(img)
	case InBrowser:
		if msg.Event == "" {
			return errors.New("browser: missing event")
		}
		ls.rt.Post(violation.Observation{Signal: violation.SignalBrowser, Browser: msg.Event})
	case InAnswers:
		ls.setAnswers(msg.Answers)
	case InSubmit:
		if msg.Answers != nil {
			ls.setAnswers(msg.Answers)
		}
		ls.rt.Controller().OnManualSubmit()
	default:
		return errUnknownMessage
	}
	return nil
}

// Largest webcam frame accepted; checked against the image header before
// any pixel buffer is allocated.
const (
	maxFrameWidth  = 1920
	maxFrameHeight = 1080
)

var errFrameTooLarge = errors.New("frame: dimensions exceed 1920x1080")

// decodeFrame accepts a base64 PNG or JPEG, optionally as a data URL.
func decodeFrame(s string) (image.Image, error) {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("frame: invalid base64")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.New("frame: unsupported image")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxFrameWidth || cfg.Height > maxFrameHeight {
		return nil, errFrameTooLarge
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.New("frame: unsupported image")
	}
	return img, nil
}

type logRequest struct {
	Candidate string `json:"candidate"`
	Email     string `json:"email"`
	Type      string `json:"type"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req logRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil || req.Email == "" || req.Type == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.audit != nil {
		s.audit.Record(audit.Record{
			CandidateID:   req.Email,
			CandidateName: req.Candidate,
			Kind:          audit.KindLog,
			Type:          req.Type,
			Timestamp:     s.now(),
		})
	}
	w.WriteHeader(http.StatusOK)
}

type submitRequest struct {
	Email   string   `json:"email"`
	Answers []string `json:"answers"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "Email required")
		return
	}
	if req.Answers == nil {
		req.Answers = []string{}
	}

	if err := s.submit(r.Context(), req.Email, req.Answers); err != nil {
		status, msg := rejectStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error("submission failed", "candidate", req.Email, "error", err)
			msg = "Submission failed"
		}
		writeError(w, status, msg)
		return
	}

	// A live exam ends here too; its own write is a duplicate and ignored.
	if ls, ok := s.findLive(req.Email); ok {
		ls.setAnswers(req.Answers)
		ls.rt.Controller().OnManualSubmit()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUploadSnapshot(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSnapshotSize+1<<20)
	if err := r.ParseMultipartForm(maxSnapshotSize); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	email := r.FormValue("email")
	file, _, err := r.FormFile("image")
	if err != nil || email == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSnapshotSize))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	snap, err := s.evidence.SaveUpload(r.Context(), email, r.FormValue("reason"), data)
	switch {
	case errors.Is(err, evidence.ErrUnsupportedImage):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.Is(err, evidence.ErrDiskFull):
		s.log.Error("snapshot rejected", "candidate", email, "error", err)
		writeError(w, http.StatusInsufficientStorage, "storage full")
		return
	case err != nil:
		s.log.Error("snapshot upload failed", "candidate", email, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
