// Package memory holds single-process stores used by the memory driver and
// by service tests. They honor the same conditional-write contract as the
// PostgreSQL repositories.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// DB is the shared backing state. A single lock keeps the session/submission
// pair consistent during Finalize.
type DB struct {
	mu          sync.RWMutex
	tests       map[uuid.UUID]*model.TestDefinition
	sessions    map[string]*model.Session
	submissions map[uuid.UUID]*model.Submission
	bySession   map[string]uuid.UUID
	balances    map[int]int
	ledger      []LedgerEntry
}

// LedgerEntry records one points movement.
type LedgerEntry struct {
	UserID int
	Delta  int
	Reason string
	At     time.Time
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		tests:       make(map[uuid.UUID]*model.TestDefinition),
		sessions:    make(map[string]*model.Session),
		submissions: make(map[uuid.UUID]*model.Submission),
		bySession:   make(map[string]uuid.UUID),
		balances:    make(map[int]int),
	}
}

// Seed is the JSON layout of SEED_TESTS_FILE.
type Seed struct {
	Tests    []model.TestDefinition `json:"tests"`
	Balances map[string]int         `json:"balances"`
}

// LoadSeed reads a seed file into db.
func (db *DB) LoadSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}
	for i := range seed.Tests {
		t := seed.Tests[i]
		if t.ID == uuid.Nil {
			return fmt.Errorf("seed test %q has no id", t.Title)
		}
		if t.MaxAttempts < 1 {
			t.MaxAttempts = 1
		}
		db.Tests().Put(&t)
	}
	for k, v := range seed.Balances {
		uid, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("seed balance key %q: %w", k, err)
		}
		db.Points().SetBalance(uid, v)
	}
	return nil
}

// Tests returns the test-definition store.
func (db *DB) Tests() *TestStore { return &TestStore{db: db} }

// Sessions returns the session store.
func (db *DB) Sessions() *SessionStore { return &SessionStore{db: db} }

// Submissions returns the submission store.
func (db *DB) Submissions() *SubmissionStore { return &SubmissionStore{db: db} }

// Points returns the points ledger.
func (db *DB) Points() *PointsLedger { return &PointsLedger{db: db} }

func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.CurrentAnswers = s.CurrentAnswers.Clone()
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}

func cloneSubmission(s *model.Submission) *model.Submission {
	c := *s
	c.Answers = s.Answers.Clone()
	c.Items = make([]model.ItemResult, len(s.Items))
	copy(c.Items, s.Items)
	return &c
}

// TestStore serves test definitions.
type TestStore struct{ db *DB }

// Put registers or replaces a test definition.
func (t *TestStore) Put(def *model.TestDefinition) {
	c := *def
	c.Questions = append([]model.Question(nil), def.Questions...)
	sort.SliceStable(c.Questions, func(i, j int) bool { return c.Questions[i].OrderNum < c.Questions[j].OrderNum })

	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.tests[def.ID] = &c
}

// GetByID returns a test definition.
func (t *TestStore) GetByID(_ context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	def, ok := t.db.tests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *def
	c.Questions = append([]model.Question(nil), def.Questions...)
	return &c, nil
}

// SessionStore persists sessions.
type SessionStore struct{ db *DB }

// Create inserts a new session.
func (s *SessionStore) Create(_ context.Context, sess *model.Session) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.sessions[sess.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, other := range s.db.sessions {
		if other.TestID == sess.TestID && other.UserID == sess.UserID && other.AttemptNumber == sess.AttemptNumber {
			return repository.ErrDuplicate
		}
	}
	c := cloneSession(sess)
	if c.CurrentAnswers == nil {
		c.CurrentAnswers = model.Answers{}
	}
	s.db.sessions[sess.ID] = c
	return nil
}

// GetByID loads a session.
func (s *SessionStore) GetByID(_ context.Context, id string) (*model.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(sess), nil
}

// CountAttempts counts sessions for a test/user pair.
func (s *SessionStore) CountAttempts(_ context.Context, testID uuid.UUID, userID int) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n := 0
	for _, sess := range s.db.sessions {
		if sess.TestID == testID && sess.UserID == userID {
			n++
		}
	}
	return n, nil
}

// writable returns the live session if it passes the status and version
// conditions. Caller holds the write lock.
func (s *SessionStore) writable(id string, baseVersion *int64) (*model.Session, error) {
	sess, ok := s.db.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !sess.IsActive() {
		return nil, repository.ErrNotActive
	}
	if baseVersion != nil && sess.Version != *baseVersion {
		return nil, repository.ErrVersionMismatch
	}
	return sess, nil
}

// ReplaceAnswers overwrites the answer set.
func (s *SessionStore) ReplaceAnswers(_ context.Context, id string, answers model.Answers, baseVersion *int64, syncedAt time.Time) (*model.Session, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, err := s.writable(id, baseVersion)
	if err != nil {
		return nil, err
	}
	if answers == nil {
		answers = model.Answers{}
	}
	if !sess.CurrentAnswers.Equal(answers) {
		sess.Version++
	}
	sess.CurrentAnswers = answers.Clone()
	t := syncedAt
	sess.LastSyncedAt = &t
	return cloneSession(sess), nil
}

// UpsertAnswer sets or removes one answer.
func (s *SessionStore) UpsertAnswer(_ context.Context, id, questionID string, answer *model.Answer, baseVersion *int64, syncedAt time.Time) (*model.Session, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, err := s.writable(id, baseVersion)
	if err != nil {
		return nil, err
	}
	prev, had := sess.CurrentAnswers[questionID]
	switch {
	case answer == nil:
		if had {
			delete(sess.CurrentAnswers, questionID)
			sess.Version++
		}
	case !had || !prev.Equal(*answer):
		a := *answer
		a.Attachments = append([]string(nil), answer.Attachments...)
		if len(a.Attachments) == 0 {
			a.Attachments = nil
		}
		sess.CurrentAnswers[questionID] = a
		sess.Version++
	}
	t := syncedAt
	sess.LastSyncedAt = &t
	return cloneSession(sess), nil
}

// Transition moves an active session to a terminal status.
func (s *SessionStore) Transition(_ context.Context, id string, to model.SessionStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, err := s.writable(id, nil)
	if err != nil {
		return err
	}
	sess.Status = to
	sess.Version++
	return nil
}

// SubmissionStore persists submissions.
type SubmissionStore struct{ db *DB }

// Finalize marks the session submitted and stores the submission atomically.
func (s *SubmissionStore) Finalize(_ context.Context, sub *model.Submission) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[sub.SessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if !sess.IsActive() {
		return repository.ErrNotActive
	}
	if _, dup := s.db.bySession[sub.SessionID]; dup {
		return repository.ErrDuplicate
	}
	sess.Status = model.SessionStatusSubmitted
	sess.Version++
	s.db.submissions[sub.ID] = cloneSubmission(sub)
	s.db.bySession[sub.SessionID] = sub.ID
	return nil
}

// GetByID loads a submission.
func (s *SubmissionStore) GetByID(_ context.Context, id uuid.UUID) (*model.Submission, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sub, ok := s.db.submissions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSubmission(sub), nil
}

// GetBySession returns the submission of a session.
func (s *SubmissionStore) GetBySession(_ context.Context, sessionID string) (*model.Submission, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	id, ok := s.db.bySession[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSubmission(s.db.submissions[id]), nil
}

// LatestForTestAndUser returns the most recent submission for a test/user.
func (s *SubmissionStore) LatestForTestAndUser(_ context.Context, testID uuid.UUID, userID int) (*model.Submission, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var latest *model.Submission
	for _, sub := range s.db.submissions {
		if sub.TestID != testID || sub.UserID != userID {
			continue
		}
		if latest == nil || sub.SubmittedAt.After(latest.SubmittedAt) ||
			(sub.SubmittedAt.Equal(latest.SubmittedAt) && sub.AttemptNumber > latest.AttemptNumber) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return cloneSubmission(latest), nil
}

// ApplyGrading patches the grading fields of a pending submission.
func (s *SubmissionStore) ApplyGrading(_ context.Context, id uuid.UUID, items []model.ItemResult, score float64, isPassed bool, status model.GradingStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sub, ok := s.db.submissions[id]
	if !ok || sub.GradingStatus != model.GradingStatusPending {
		return repository.ErrNotFound
	}
	sub.Items = append([]model.ItemResult(nil), items...)
	sub.Score = score
	sub.IsPassed = isPassed
	sub.GradingStatus = status
	return nil
}

// PointsLedger tracks per-user balances.
type PointsLedger struct{ db *DB }

// SetBalance overwrites a balance (seeding and tests).
func (p *PointsLedger) SetBalance(userID, balance int) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	p.db.balances[userID] = balance
}

// Balance returns the current balance.
func (p *PointsLedger) Balance(userID int) int {
	p.db.mu.RLock()
	defer p.db.mu.RUnlock()
	return p.db.balances[userID]
}

// Entries returns a copy of the ledger.
func (p *PointsLedger) Entries() []LedgerEntry {
	p.db.mu.RLock()
	defer p.db.mu.RUnlock()
	return append([]LedgerEntry(nil), p.db.ledger...)
}

// Debit subtracts amount if the balance covers it.
func (p *PointsLedger) Debit(_ context.Context, userID, amount int, reason string) error {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	if p.db.balances[userID] < amount {
		return repository.ErrInsufficientBalance
	}
	p.db.balances[userID] -= amount
	p.db.ledger = append(p.db.ledger, LedgerEntry{UserID: userID, Delta: -amount, Reason: reason, At: time.Now()})
	return nil
}

// Credit adds amount to the balance.
func (p *PointsLedger) Credit(_ context.Context, userID, amount int, reason string) error {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	p.db.balances[userID] += amount
	p.db.ledger = append(p.db.ledger, LedgerEntry{UserID: userID, Delta: amount, Reason: reason, At: time.Now()})
	return nil
}
