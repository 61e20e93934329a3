package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

func TestStartAttemptCeiling(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(60, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := h.sessions.Start(ctx, def.ID, learner)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if res.AttemptNumber != i {
			t.Fatalf("attempt number = %d, want %d", res.AttemptNumber, i)
		}
		if res.AttemptsRemaining != 3-i {
			t.Fatalf("attempts remaining = %d, want %d", res.AttemptsRemaining, 3-i)
		}
	}

	if _, err := h.sessions.Start(ctx, def.ID, learner); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("fourth start err = %v, want ErrTooManyAttempts", err)
	}
	n, _ := h.db.Sessions().CountAttempts(ctx, def.ID, learner)
	if n != 3 {
		t.Fatalf("sessions = %d, want 3", n)
	}
}

func TestStartUnknownTest(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(60, 1)
	def.ID[0] ^= 0xff

	if _, err := h.sessions.Start(context.Background(), def.ID, learner); !errors.Is(err, ErrTestNotFound) {
		t.Fatalf("err = %v, want ErrTestNotFound", err)
	}
}

func TestStartChargesPoints(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(60, 5)
	def.CostPoints = 5
	h.db.Tests().Put(def)
	h.db.Points().SetBalance(learner, 7)
	ctx := context.Background()

	res, err := h.sessions.Start(ctx, def.ID, learner)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.PointsCharged != 5 {
		t.Fatalf("points charged = %d, want 5", res.PointsCharged)
	}

	if _, err := h.sessions.Start(ctx, def.ID, learner); !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("err = %v, want ErrInsufficientPoints", err)
	}
	if got := h.db.Points().Balance(learner); got != 2 {
		t.Fatalf("balance = %d, want 2", got)
	}
	if n, _ := h.db.Sessions().CountAttempts(ctx, def.ID, learner); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
}

func TestReconnectPreservesAnswers(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()

	start, err := h.sessions.Start(ctx, def.ID, learner)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.sessions.Join(ctx, start.SessionID, learner); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := h.sessions.SyncBatch(ctx, SyncBatchInput{
		SessionID: start.SessionID,
		UserID:    learner,
		Answers:   map[string]*model.Answer{"q1": choice("A")},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	h.clock.Advance(30 * time.Second)
	state, err := h.sessions.Join(ctx, start.SessionID, learner)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	want := model.Answers{"q1": {Choice: "A"}}
	if !state.CurrentAnswers.Equal(want) {
		t.Fatalf("current answers = %v, want %v", state.CurrentAnswers, want)
	}
	if state.RemainingSeconds != 570 {
		t.Fatalf("remaining = %d, want 570", state.RemainingSeconds)
	}
}

func TestNoRejoinAfterExpiry(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(60, 1)
	ctx := context.Background()

	start, err := h.sessions.Start(ctx, def.ID, learner)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(60 * time.Second)

	for i := 0; i < 3; i++ {
		_, err := h.sessions.Join(ctx, start.SessionID, learner)
		var te *TimeError
		if !errors.As(err, &te) || !errors.Is(err, ErrTimeExpired) {
			t.Fatalf("join %d err = %v, want TimeError(ErrTimeExpired)", i, err)
		}
		if te.LimitSeconds != 60 || te.ElapsedSeconds != 60 {
			t.Fatalf("time error = %+v", te)
		}
	}

	// Within the submit tolerance but past the hard cutoff: sync is refused.
	_, err = h.sessions.SyncBatch(ctx, SyncBatchInput{SessionID: start.SessionID, UserID: learner})
	if !errors.Is(err, ErrTimeExpired) {
		t.Fatalf("sync err = %v, want ErrTimeExpired", err)
	}
}

func TestSyncBatchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	in := SyncBatchInput{
		SessionID: start.SessionID,
		UserID:    learner,
		Answers:   map[string]*model.Answer{"q1": choice("B"), "q2": {Text: "Benda cenderung diam."}, "q3": nil},
	}
	first, err := h.sessions.SyncBatch(ctx, in)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	h.clock.Advance(5 * time.Second)
	second, err := h.sessions.SyncBatch(ctx, in)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if first.AcceptedCount != 2 || second.AcceptedCount != 2 {
		t.Fatalf("accepted = %d/%d, want 2/2", first.AcceptedCount, second.AcceptedCount)
	}
	if first.Version != second.Version {
		t.Fatalf("version moved from %d to %d on identical sync", first.Version, second.Version)
	}
	state, _ := h.sessions.State(ctx, start.SessionID, learner)
	if len(state.CurrentAnswers) != 2 {
		t.Fatalf("answers = %v", state.CurrentAnswers)
	}
}

func TestBatchOverwritesDeletions(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	_, _ = h.sessions.SyncBatch(ctx, SyncBatchInput{SessionID: start.SessionID, UserID: learner,
		Answers: map[string]*model.Answer{"q1": choice("A"), "q2": {Text: "x"}}})
	_, err := h.sessions.SyncBatch(ctx, SyncBatchInput{SessionID: start.SessionID, UserID: learner,
		Answers: map[string]*model.Answer{"q2": {Text: "x"}}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	state, _ := h.sessions.State(ctx, start.SessionID, learner)
	if _, ok := state.CurrentAnswers["q1"]; ok {
		t.Fatal("q1 survived a batch that omitted it")
	}
}

func TestSyncOne(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	if _, err := h.sessions.SyncOne(ctx, SyncOneInput{SessionID: start.SessionID, UserID: learner, QuestionID: "q1", Answer: choice("C")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	res, err := h.sessions.SyncOne(ctx, SyncOneInput{SessionID: start.SessionID, UserID: learner, QuestionID: "q1"})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}
	state, _ := h.sessions.State(ctx, start.SessionID, learner)
	if len(state.CurrentAnswers) != 0 {
		t.Fatalf("answers = %v, want empty", state.CurrentAnswers)
	}

	if _, err := h.sessions.SyncOne(ctx, SyncOneInput{SessionID: start.SessionID, UserID: learner, QuestionID: ""}); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty question id err = %v, want ErrValidation", err)
	}
}

func TestSyncRejectsStaleVersion(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	base := int64(0)
	res, err := h.sessions.SyncBatch(ctx, SyncBatchInput{SessionID: start.SessionID, UserID: learner,
		Answers: map[string]*model.Answer{"q1": choice("A")}, BaseVersion: &base})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Version != 1 {
		t.Fatalf("version = %d, want 1", res.Version)
	}

	// A second tab still holding version 0.
	_, err = h.sessions.SyncBatch(ctx, SyncBatchInput{SessionID: start.SessionID, UserID: learner,
		Answers: map[string]*model.Answer{"q1": choice("D")}, BaseVersion: &base})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestSyncValidation(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	tooMany := make(map[string]*model.Answer, model.MaxAnswersPerBatch+1)
	for i := 0; i <= model.MaxAnswersPerBatch; i++ {
		tooMany[fmt.Sprintf("q%d", i)] = choice("A")
	}
	cases := map[string]map[string]*model.Answer{
		"too many answers": tooMany,
		"blank id":         {" ": choice("A")},
		"long choice":      {"q1": choice(string(make([]byte, model.MaxChoiceLength+1)))},
		"unknown question": {"q1": choice("A"), "q9": choice("B")},
	}
	for name, answers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.sessions.SyncBatch(ctx, SyncBatchInput{SessionID: start.SessionID, UserID: learner, Answers: answers})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSyncOneRejectsUnknownQuestion(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	_, err := h.sessions.SyncOne(ctx, SyncOneInput{SessionID: start.SessionID, UserID: learner, QuestionID: "q9", Answer: choice("A")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	state, _ := h.sessions.Join(ctx, start.SessionID, learner)
	if len(state.CurrentAnswers) != 0 || state.Version != 0 {
		t.Fatalf("state = %+v", state)
	}
}

func TestSessionOwnership(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	if _, err := h.sessions.Join(ctx, start.SessionID, learner+1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if _, err := h.sessions.Join(ctx, "missing", learner); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("err = %v, want ErrSessionInactive", err)
	}
}

func TestHeartbeatDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(60, 1)
	ctx := context.Background()
	start, _ := h.sessions.Start(ctx, def.ID, learner)

	h.clock.Advance(20 * time.Second)
	hb, err := h.sessions.Heartbeat(ctx, start.SessionID, learner)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb.RemainingSeconds != 40 {
		t.Fatalf("remaining = %d, want 40", hb.RemainingSeconds)
	}

	h.clock.Advance(time.Minute)
	hb, err = h.sessions.Heartbeat(ctx, start.SessionID, learner)
	if err != nil {
		t.Fatalf("heartbeat after deadline: %v", err)
	}
	if hb.RemainingSeconds != 0 {
		t.Fatalf("remaining = %d, want 0", hb.RemainingSeconds)
	}
	state, _ := h.sessions.State(ctx, start.SessionID, learner)
	if state.Status != model.SessionStatusActive || state.Version != 0 {
		t.Fatalf("heartbeat mutated session: %+v", state)
	}
}

func TestDescribeHidesAnswerKey(t *testing.T) {
	h := newHarness(t)
	def := h.addTest(600, 2)
	ctx := context.Background()
	_, _ = h.sessions.Start(ctx, def.ID, learner)

	view, err := h.sessions.Describe(ctx, def.ID, learner)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if view.AttemptsUsed != 1 || len(view.Questions) != 2 {
		t.Fatalf("view = %+v", view)
	}
}
