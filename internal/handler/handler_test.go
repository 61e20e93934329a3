package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository/memory"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/timeauth"
	"github.com/stemsi/exstem-session/internal/validator"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

const learner = 7

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	validator.Setup()
	os.Exit(m.Run())
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// logBuffer collects log lines written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// waitFor polls until a log line containing all parts shows up.
func (b *logBuffer) waitFor(t *testing.T, parts ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		lines := strings.Split(b.buf.String(), "\n")
		b.mu.Unlock()
		for _, line := range lines {
			ok := true
			for _, p := range parts {
				if !strings.Contains(line, p) {
					ok = false
					break
				}
			}
			if ok && line != "" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no log line with %q", parts)
}

type env struct {
	engine *gin.Engine
	clock  *clock
	test   *model.TestDefinition
	token  string
	logs   *logBuffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logs := &logBuffer{}
	log := zerolog.New(logs)
	clk := &clock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}

	db := memory.New()
	def := &model.TestDefinition{
		ID:               uuid.New(),
		Title:            "Kimia",
		TimeLimitSeconds: 1800,
		MaxAttempts:      2,
		PassingScore:     50,
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionTypeMultipleChoice, Prompt: "H2O?", CorrectOption: "B", Points: 1, OrderNum: 1},
		},
	}
	db.Tests().Put(def)

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(log)
	go hub.Run(ctx)
	t.Cleanup(cancel)

	authority := timeauth.New(timeauth.DefaultTolerance, clk.now)
	locks := service.NewSessionLocks()
	catalog := service.NewCatalogService(db.Tests(), nil, time.Minute, log)
	events := service.EventPublisherFunc(func(_ context.Context, ev service.SessionClosed) error {
		hub.CloseSession(ev.SessionID, ws.SessionClosedEvent{Reason: ev.Reason, SubmissionID: ev.SubmissionID}, ev.Origin)
		return nil
	})
	sessions := service.NewSessionService(db.Sessions(), catalog, db.Points(), authority, locks, log)
	submissions := service.NewSubmissionService(db.Sessions(), db.Submissions(), catalog, nil, events, authority, locks, log)
	auth := service.NewAuthService("test-secret", time.Hour)

	sh := NewSessionHandler(sessions, submissions, log)
	wh := NewWSHandler(hub, sessions, submissions, []int64{300, 60}, log, nil)

	r := gin.New()
	api := r.Group("/api/v1", middleware.RequireLearnerJWT(auth))
	api.GET("/tests/:test_id", sh.GetTest)
	api.POST("/tests/:test_id/start", sh.StartTest)
	api.GET("/tests/:test_id/submissions/latest", sh.LatestSubmission)
	api.GET("/sessions/:session_id", sh.GetSession)
	api.PUT("/sessions/:session_id/answers", sh.SyncAnswers)
	api.PATCH("/sessions/:session_id/answers/:question_id", sh.UpsertAnswer)
	api.POST("/sessions/:session_id/submit", sh.Submit)
	r.GET("/ws/v1/sessions/stream", middleware.RequireLearnerJWT(auth), wh.SessionStream)

	token, err := auth.IssueToken(learner)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &env{engine: r, clock: clk, test: def, token: token, logs: logs}
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (e *env) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var out envelope
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, out
}

func (e *env) start(t *testing.T) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/api/v1/tests/"+e.test.ID.String()+"/start", "")
	if code != http.StatusCreated {
		t.Fatalf("start = %d %+v", code, out.Error)
	}
	var res struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(out.Data, &res); err != nil || res.SessionID == "" {
		t.Fatalf("start payload %s: %v", out.Data, err)
	}
	return res.SessionID
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+e.test.ID.String(), nil)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), string(response.ErrTokenRequired)) {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestGetTestHidesAnswerKey(t *testing.T) {
	e := newEnv(t)
	code, out := e.do(t, http.MethodGet, "/api/v1/tests/"+e.test.ID.String(), "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if bytes.Contains(out.Data, []byte("correct_option")) {
		t.Fatalf("answer key leaked: %s", out.Data)
	}

	code, out = e.do(t, http.MethodGet, "/api/v1/tests/not-a-uuid", "")
	if code != http.StatusBadRequest || out.Error.Code != response.ErrInvalidID {
		t.Fatalf("bad id = %d %+v", code, out.Error)
	}
}

func TestRESTSessionFlow(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	base := "/api/v1/sessions/" + id

	code, out := e.do(t, http.MethodPut, base+"/answers", `{"answers":{"q1":"A"}}`)
	if code != http.StatusOK {
		t.Fatalf("sync = %d %+v", code, out.Error)
	}
	var synced service.SyncResult
	_ = json.Unmarshal(out.Data, &synced)
	if synced.AcceptedCount != 1 {
		t.Fatalf("accepted = %d", synced.AcceptedCount)
	}

	code, out = e.do(t, http.MethodPatch, base+"/answers/q1", `{"answer":"B","base_version":0}`)
	if code != http.StatusConflict || out.Error.Code != response.ErrConflict {
		t.Fatalf("stale version = %d %+v", code, out.Error)
	}

	code, out = e.do(t, http.MethodPut, base+"/answers", `{"answers":{"q1":42}}`)
	if code != http.StatusBadRequest || out.Error.Code != response.ErrValidation {
		t.Fatalf("bad answer = %d %+v", code, out.Error)
	}

	e.clock.advance(10 * time.Minute)
	code, out = e.do(t, http.MethodGet, base, "")
	if code != http.StatusOK {
		t.Fatalf("state = %d", code)
	}
	var state service.SessionState
	_ = json.Unmarshal(out.Data, &state)
	if state.RemainingSeconds != 1200 || state.CurrentAnswers["q1"].Choice != "A" {
		t.Fatalf("state = %+v", state)
	}

	code, out = e.do(t, http.MethodPost, base+"/submit", `{"answers":{"q1":"B"}}`)
	if code != http.StatusCreated {
		t.Fatalf("submit = %d %+v", code, out.Error)
	}
	var outcome service.SubmitOutcome
	_ = json.Unmarshal(out.Data, &outcome)
	if outcome.Submission == nil || outcome.Submission.Score != 1 || !outcome.Submission.IsPassed {
		t.Fatalf("outcome = %+v", outcome)
	}

	code, out = e.do(t, http.MethodPost, base+"/submit", `{"answers":{"q1":"A"}}`)
	var replay service.SubmitOutcome
	_ = json.Unmarshal(out.Data, &replay)
	if code != http.StatusOK || !replay.Replayed || replay.Submission.ID != outcome.Submission.ID {
		t.Fatalf("replay = %d %+v", code, replay)
	}

	code, out = e.do(t, http.MethodPut, base+"/answers", `{"answers":{}}`)
	if code != http.StatusConflict || out.Error.Code != response.ErrSessionInactive {
		t.Fatalf("sync after submit = %d %+v", code, out.Error)
	}

	code, _ = e.do(t, http.MethodGet, "/api/v1/tests/"+e.test.ID.String()+"/submissions/latest", "")
	if code != http.StatusOK {
		t.Fatalf("latest = %d", code)
	}
}

func TestRESTLateSubmit(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)

	e.clock.advance(1806 * time.Second)
	code, out := e.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/submit", `{"answers":{"q1":"B"}}`)
	if code != http.StatusUnprocessableEntity || out.Error.Code != response.ErrTimeLimitExceededOnSubmit {
		t.Fatalf("late submit = %d %+v", code, out.Error)
	}
	if out.Error.Details["limit_seconds"] != float64(1800) {
		t.Fatalf("details = %+v", out.Error.Details)
	}

	code, out = e.do(t, http.MethodGet, "/api/v1/tests/"+e.test.ID.String()+"/submissions/latest", "")
	if code != http.StatusNotFound || out.Error.Code != response.ErrNotFound {
		t.Fatalf("latest = %d %+v", code, out.Error)
	}
}

func TestRESTLateSubmitFallsBack(t *testing.T) {
	e := newEnv(t)
	first := e.start(t)
	if code, out := e.do(t, http.MethodPost, "/api/v1/sessions/"+first+"/submit", `{"answers":{"q1":"B"}}`); code != http.StatusCreated {
		t.Fatalf("first submit = %d %+v", code, out.Error)
	}

	second := e.start(t)
	e.clock.advance(1900 * time.Second)
	code, out := e.do(t, http.MethodPost, "/api/v1/sessions/"+second+"/submit", `{"answers":{"q1":"A"}}`)
	if code != http.StatusOK || out.Error == nil || out.Error.Code != response.ErrTimeLimitExceededOnSubmit {
		t.Fatalf("fallback = %d %+v", code, out.Error)
	}
	var outcome service.SubmitOutcome
	_ = json.Unmarshal(out.Data, &outcome)
	if !outcome.Rejected || outcome.LatestSubmission == nil || outcome.LatestSubmission.SessionID != first {
		t.Fatalf("outcome = %+v", outcome)
	}
}

// ─── Stream ─────────────────────────────────────────────────────────

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T, srv *httptest.Server) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/sessions/stream?token=" + e.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsConn) next() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m map[string]any
	if err := c.conn.ReadJSON(&m); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return m
}

func (c *wsConn) expect(event ws.Event) map[string]any {
	c.t.Helper()
	m := c.next()
	if m["event"] != string(event) {
		c.t.Fatalf("event = %v, want %s (%v)", m["event"], event, m)
	}
	return m
}

func TestStreamRequiresJoin(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	c := e.dial(t, srv)
	c.send(map[string]any{"action": "heartbeat"})
	if m := c.expect(ws.EventError); m["code"] != string(response.ErrNotJoined) {
		t.Fatalf("code = %v", m["code"])
	}

	c.send(map[string]any{"action": "dance"})
	if m := c.expect(ws.EventError); m["code"] != string(response.ErrUnknownAction) {
		t.Fatalf("code = %v", m["code"])
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if m := c.expect(ws.EventError); m["code"] != string(response.ErrInvalidPayload) {
		t.Fatalf("code = %v", m["code"])
	}

	c.send(map[string]any{"action": "join", "session_id": "nope"})
	if m := c.expect(ws.EventJoinError); m["code"] != string(response.ErrSessionInactive) {
		t.Fatalf("code = %v", m["code"])
	}
}

func TestStreamSessionFlow(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	tab1 := e.dial(t, srv)
	tab2 := e.dial(t, srv)

	tab1.send(map[string]any{"action": "join", "session_id": id})
	joined := tab1.expect(ws.EventJoined)
	if joined["remaining_seconds"] != float64(1800) {
		t.Fatalf("joined = %v", joined)
	}
	tab2.send(map[string]any{"action": "join", "session_id": id})
	tab2.expect(ws.EventJoined)
	e.logs.waitFor(t, `"message":"Session joined"`, `"connections":2`)

	tab1.send(map[string]any{"action": "sync_batch", "answers": map[string]any{"q1": "A"}})
	if ack := tab1.expect(ws.EventSyncAck); ack["count"] != float64(1) {
		t.Fatalf("ack = %v", ack)
	}

	tab1.send(map[string]any{"action": "sync_one", "question_id": "q1", "answer": "B"})
	tab1.expect(ws.EventSyncAck)

	e.clock.advance(1750 * time.Second)
	tab1.send(map[string]any{"action": "heartbeat"})
	if hb := tab1.expect(ws.EventHeartbeatAck); hb["remaining_seconds"] != float64(50) {
		t.Fatalf("heartbeat = %v", hb)
	}
	if w := tab1.expect(ws.EventTimeWarning); w["threshold_seconds"] != float64(60) {
		t.Fatalf("warning = %v", w)
	}

	tab1.send(map[string]any{"action": "submit", "answers": map[string]any{"q1": "B"}})
	sub := tab1.expect(ws.EventSubmitted)
	payload, _ := sub["submission"].(map[string]any)
	if payload["score"] != float64(1) {
		t.Fatalf("submitted = %v", sub)
	}

	closed := tab2.expect(ws.EventSessionClosed)
	if closed["reason"] != service.CloseReasonSubmitted || closed["session_id"] != id {
		t.Fatalf("session_closed = %v", closed)
	}
}

func TestStreamSyncKeepsAnswersOnMissingField(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	c := e.dial(t, srv)
	c.send(map[string]any{"action": "join", "session_id": id})
	c.expect(ws.EventJoined)

	c.send(map[string]any{"action": "sync_batch", "answers": map[string]any{"q1": "A"}})
	c.expect(ws.EventSyncAck)

	c.send(map[string]any{"action": "sync_batch"})
	if m := c.expect(ws.EventSyncError); m["code"] != string(response.ErrValidation) {
		t.Fatalf("batch without answers = %v", m)
	}
	c.send(map[string]any{"action": "sync_one", "question_id": "q1"})
	if m := c.expect(ws.EventSyncError); m["code"] != string(response.ErrValidation) {
		t.Fatalf("sync_one without answer = %v", m)
	}

	code, out := e.do(t, http.MethodPatch, "/api/v1/sessions/"+id+"/answers/q1", `{}`)
	if code != http.StatusBadRequest || out.Error.Code != response.ErrValidation {
		t.Fatalf("patch without answer = %d %+v", code, out.Error)
	}

	_, out = e.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
	var state service.SessionState
	_ = json.Unmarshal(out.Data, &state)
	if state.CurrentAnswers["q1"].Choice != "A" {
		t.Fatalf("answers = %+v", state.CurrentAnswers)
	}

	c.send(map[string]any{"action": "sync_one", "question_id": "q1", "answer": nil})
	c.expect(ws.EventSyncAck)
	_, out = e.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
	state = service.SessionState{}
	_ = json.Unmarshal(out.Data, &state)
	if _, ok := state.CurrentAnswers["q1"]; ok {
		t.Fatalf("explicit null kept q1: %+v", state.CurrentAnswers)
	}
}

func TestStreamLateSubmitRejected(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	c := e.dial(t, srv)
	c.send(map[string]any{"action": "join", "session_id": id})
	c.expect(ws.EventJoined)

	e.clock.advance(1810 * time.Second)
	c.send(map[string]any{"action": "sync_batch", "answers": map[string]any{"q1": "A"}})
	if m := c.expect(ws.EventSyncError); m["code"] != string(response.ErrTimeExpired) {
		t.Fatalf("sync after deadline = %v", m)
	}

	c.send(map[string]any{"action": "submit", "answers": map[string]any{"q1": "B"}})
	m := c.expect(ws.EventSubmitRejected)
	if m["code"] != string(response.ErrTimeLimitExceededOnSubmit) || m["limit_seconds"] != float64(1800) {
		t.Fatalf("rejected = %v", m)
	}
	if _, ok := m["latest_submission"]; ok {
		t.Fatalf("unexpected fallback: %v", m)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{service.ErrValidation, http.StatusBadRequest, response.ErrValidation},
		{&service.TimeError{Err: service.ErrTimeExpired}, http.StatusGone, response.ErrTimeExpired},
		{&service.TimeError{Err: service.ErrTimeLimitExceeded}, http.StatusUnprocessableEntity, response.ErrTimeLimitExceededOnSubmit},
		{service.ErrTooManyAttempts, http.StatusForbidden, response.ErrTooManyAttempts},
		{service.ErrInsufficientPoints, http.StatusPaymentRequired, response.ErrInsufficientPoints},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range cases {
		r := classify(tc.err)
		if r.status != tc.status || r.code != tc.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, r.status, r.code, tc.status, tc.code)
		}
	}
}
