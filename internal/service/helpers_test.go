package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository/memory"
	"github.com/stemsi/exstem-session/internal/timeauth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeQueue struct {
	mu   sync.Mutex
	reqs []GradeRequest
}

func (q *fakeQueue) Enqueue(_ context.Context, req GradeRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []SessionClosed
}

func (e *fakeEvents) PublishSessionClosed(_ context.Context, ev SessionClosed) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type harness struct {
	db          *memory.DB
	clock       *fakeClock
	catalog     *CatalogService
	sessions    *SessionService
	submissions *SubmissionService
	queue       *fakeQueue
	events      *fakeEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.New(io.Discard)
	db := memory.New()
	clock := newFakeClock()
	auth := timeauth.New(timeauth.DefaultTolerance, clock.Now)
	catalog := NewCatalogService(db.Tests(), nil, time.Minute, log)
	locks := NewSessionLocks()
	queue := &fakeQueue{}
	events := &fakeEvents{}
	return &harness{
		db:          db,
		clock:       clock,
		catalog:     catalog,
		sessions:    NewSessionService(db.Sessions(), catalog, db.Points(), auth, locks, log),
		submissions: NewSubmissionService(db.Sessions(), db.Submissions(), catalog, queue, events, auth, locks, log),
		queue:       queue,
		events:      events,
	}
}

// addTest registers a two-question test: q1 multiple choice (A), q2 essay.
func (h *harness) addTest(limitSeconds, maxAttempts int) *model.TestDefinition {
	def := &model.TestDefinition{
		ID:               uuid.New(),
		Title:            "Fisika Dasar",
		TimeLimitSeconds: limitSeconds,
		MaxAttempts:      maxAttempts,
		PassingScore:     50,
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionTypeMultipleChoice, Prompt: "2+2?", CorrectOption: "A", Points: 2, OrderNum: 1},
			{ID: "q2", Type: model.QuestionTypeEssay, Prompt: "Explain inertia.", Points: 3, OrderNum: 2},
		},
	}
	h.db.Tests().Put(def)
	return def
}

func choice(c string) *model.Answer {
	return &model.Answer{Choice: c}
}

const learner = 7
