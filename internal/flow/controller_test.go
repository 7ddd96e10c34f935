package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/zhixue/practice/internal/bank"
	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/drafter"
	"github.com/zhixue/practice/internal/grading"
	"github.com/zhixue/practice/internal/llm"
	"github.com/zhixue/practice/internal/mistakes"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/quota"
	"github.com/zhixue/practice/internal/reference"
	"github.com/zhixue/practice/internal/store"
)

type countingDrafter struct {
	mu    sync.Mutex
	inner Drafter
	calls int
}

func (d *countingDrafter) Draft(ctx context.Context, studentID string, region model.Region) (drafter.Draw, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.inner.Draft(ctx, studentID, region)
}

type harness struct {
	store    *store.Store
	provider *llm.MockProvider
	drafter  *countingDrafter
	student  *model.Student
	ctrl     *Controller
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	var imports []bank.QuestionImport
	for i := range 6 {
		imports = append(imports, bank.QuestionImport{
			ID: fmt.Sprintf("c%d", i), Type: "choice", Region: "通用", Answer: "A",
			Options: []string{"A. 甲", "B. 乙"}, Analysis: "选 A", PointName: "洋务运动",
		})
	}
	for i := range 2 {
		imports = append(imports, bank.QuestionImport{
			ID: fmt.Sprintf("m%d", i), Type: "material", Region: "通用", Answer: "要点", PointName: "辛亥革命",
		})
	}
	b, err := bank.FromImports(imports)
	if err != nil {
		t.Fatalf("FromImports: %v", err)
	}

	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	st, err := s.SaveStudent(ctx, "李明", "初三(2)班")
	if err != nil {
		t.Fatalf("SaveStudent: %v", err)
	}

	c := cache.NewMemory()
	provider := llm.NewMockProvider()
	d := &countingDrafter{
		inner: drafter.New(b, drafter.NewCacheLedger(c), drafter.Shape{Objective: 4, Open: 1}, rand.New(rand.NewPCG(1, 2))),
	}
	deps := Deps{
		Drafter:   d,
		Grader:    grading.New(llm.New(provider, 0)),
		Attempts:  s,
		Mistakes:  mistakes.New(s, b, c, 0.6),
		Quota:     quota.New(s, c, 5, time.Local),
		Reference: reference.New([]reference.Point{{Name: "洋务运动", Definition: "自强求富"}}),
	}

	return &harness{
		store:    s,
		provider: provider,
		drafter:  d,
		student:  st,
		ctrl:     NewController(deps),
		deps:     deps,
	}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Login(context.Background(), h.student); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func (h *harness) start(t *testing.T) Snapshot {
	t.Helper()
	if err := h.ctrl.StartSession(context.Background(), "通用"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.State != StateInSession {
		t.Fatalf("expected in_session, got %s", snap.State)
	}
	return snap
}

// answerAll answers every objective item with "A" (correct) except wrongID,
// and the open item with text.
func (h *harness) answerAll(t *testing.T, snap Snapshot, wrongID, open string) {
	t.Helper()
	for _, q := range snap.Session.Questions {
		ans := "A"
		if q.Kind == model.KindOpen {
			ans = open
		} else if q.ID == wrongID {
			ans = "B"
		}
		if err := h.ctrl.Answer(q.ID, ans); err != nil {
			t.Fatalf("Answer(%s): %v", q.ID, err)
		}
	}
}

func (h *harness) grade(content string) {
	h.provider.AddResponse(llm.MockResponse{Content: json.RawMessage(content)})
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.login(t)

	snap := h.ctrl.Snapshot()
	if snap.State != StateDashboard || snap.Quota.Remaining != 5 {
		t.Fatalf("unexpected dashboard %+v", snap)
	}

	snap = h.start(t)
	if len(snap.Session.Questions) != 5 {
		t.Fatalf("expected 5 questions, got %d", len(snap.Session.Questions))
	}
	for _, q := range snap.Session.Questions {
		if q.Answer != "" || q.Analysis != "" {
			t.Errorf("answer key of %s leaked before grading", q.ID)
		}
	}

	wrong := snap.Session.Questions[0].ID
	h.answerAll(t, snap, wrong, "洋务运动引进了西方技术")

	// Cursor stays within bounds.
	_ = h.ctrl.Prev()
	if h.ctrl.Snapshot().Cursor != 0 {
		t.Error("cursor should not go below 0")
	}
	for range 10 {
		_ = h.ctrl.Next()
	}
	if h.ctrl.Snapshot().Cursor != 4 {
		t.Errorf("cursor should stop at 4, got %d", h.ctrl.Snapshot().Cursor)
	}

	h.grade(`{"score": 12, "total": 20, "feedback": "基本正确"}`)
	if err := h.ctrl.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap = h.ctrl.Snapshot()
	if snap.State != StateResult {
		t.Fatalf("expected result, got %s", snap.State)
	}
	if snap.Result.Total != 18 {
		t.Errorf("total = %v, want 18", snap.Result.Total)
	}
	if snap.Session.Questions[0].Answer == "" {
		t.Error("answer keys should be visible after grading")
	}

	attempts, err := h.store.ListAttempts(ctx, h.student.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Score != 18 || len(attempts[0].Items) != 5 {
		t.Fatalf("unexpected attempts %+v", attempts)
	}

	// Only the wrong objective item is a miss; 12/20 meets the threshold.
	entries, err := h.store.ListMistakes(ctx, h.student.ID)
	if err != nil {
		t.Fatalf("ListMistakes: %v", err)
	}
	if len(entries) != 1 || entries[0].QuestionID != wrong {
		t.Errorf("unexpected mistakes %+v", entries)
	}

	if err := h.ctrl.CloseResult(ctx); err != nil {
		t.Fatalf("CloseResult: %v", err)
	}
	snap = h.ctrl.Snapshot()
	if snap.State != StateDashboard || snap.Quota.Remaining != 4 || snap.MistakeCount != 1 {
		t.Errorf("unexpected dashboard after result %+v", snap)
	}
	if snap.Session != nil || snap.Result != nil {
		t.Error("session should be cleared on the dashboard")
	}
}

func TestScenarioDBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := range 5 {
		if _, err := h.store.SaveAttempt(ctx, model.Attempt{
			StudentID: h.student.ID, Region: "通用", SubmittedAt: time.Now().Add(-time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	h.login(t)

	if err := h.ctrl.StartSession(ctx, "通用"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.State != StateBlocked || snap.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected blocked, got %+v", snap)
	}
	if h.drafter.calls != 0 {
		t.Error("no draft should happen when blocked")
	}
	if snap.ReasonData["Limit"] != 5 {
		t.Errorf("reason data = %v", snap.ReasonData)
	}

	if err := h.ctrl.DismissBlocked(); err != nil {
		t.Fatalf("DismissBlocked: %v", err)
	}
	if h.ctrl.State() != StateDashboard {
		t.Errorf("expected dashboard, got %s", h.ctrl.State())
	}
}

func TestGraderBusyKeepsAnswers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.login(t)
	snap := h.start(t)
	h.answerAll(t, snap, "", "作答")

	h.provider.AddResponse(llm.MockResponse{Err: &llm.ErrRateLimit{Err: errors.New("429")}})
	err := h.ctrl.Submit(ctx)
	if !errors.Is(err, grading.ErrGraderBusy) {
		t.Fatalf("expected ErrGraderBusy, got %v", err)
	}

	snap = h.ctrl.Snapshot()
	if snap.State != StateInSession || snap.Reason != ReasonGraderBusy {
		t.Fatalf("expected in_session with busy reason, got %s %q", snap.State, snap.Reason)
	}
	if len(snap.Answers) != 5 {
		t.Errorf("answers should be preserved, got %v", snap.Answers)
	}
	if n, _ := h.store.CountAttempts(ctx, h.student.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour)); n != 0 {
		t.Error("no attempt should be saved for an aborted pass")
	}

	// Resubmitting is cheap once the grader recovers.
	h.grade(`{"score": 20, "total": 20}`)
	if err := h.ctrl.Submit(ctx); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got := h.ctrl.Snapshot(); got.State != StateResult || got.Reason != "" {
		t.Errorf("expected clean result, got %s %q", got.State, got.Reason)
	}
}

func TestOpenAnswerRequired(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	snap := h.start(t)
	h.answerAll(t, snap, "", "   ")

	if err := h.ctrl.Submit(context.Background()); !errors.Is(err, ErrOpenAnswerRequired) {
		t.Fatalf("expected ErrOpenAnswerRequired, got %v", err)
	}
	if h.ctrl.State() != StateInSession {
		t.Errorf("expected in_session, got %s", h.ctrl.State())
	}
	if h.provider.CallCount() != 0 {
		t.Error("grader should not be called")
	}
}

func TestDraftFailureReturnsToDashboard(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	err := h.ctrl.StartSession(context.Background(), "广州")
	if !errors.Is(err, drafter.ErrUnknownRegion) {
		t.Fatalf("expected ErrUnknownRegion, got %v", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.State != StateDashboard || snap.Reason != ReasonRegionUnavailable {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if err := h.ctrl.StartSession(ctx, "通用"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("start while logged out: %v", err)
	}
	h.login(t)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"answer", func() error { return h.ctrl.Answer("c1", "A") }},
		{"next", h.ctrl.Next},
		{"submit", func() error { return h.ctrl.Submit(ctx) }},
		{"close result", func() error { return h.ctrl.CloseResult(ctx) }},
		{"close mistakes", h.ctrl.CloseMistakes},
		{"open review", func() error { return h.ctrl.OpenReview("洋务运动") }},
		{"close review", h.ctrl.CloseReview},
		{"dismiss blocked", h.ctrl.DismissBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if h.ctrl.State() != StateDashboard {
				t.Errorf("state changed to %s", h.ctrl.State())
			}
		})
	}

	h.start(t)
	if err := h.ctrl.StartSession(ctx, "通用"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("start during a session: %v", err)
	}
	if err := h.ctrl.Answer("not-in-session", "A"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("expected ErrUnknownQuestion, got %v", err)
	}
}

func TestReviewReturnsToOrigin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.login(t)
	snap := h.start(t)
	h.answerAll(t, snap, snap.Session.Questions[0].ID, "作答")
	h.grade(`{"score": 5, "total": 20}`)
	if err := h.ctrl.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := h.ctrl.OpenReview("洋务运动"); err != nil {
		t.Fatalf("OpenReview: %v", err)
	}
	snap = h.ctrl.Snapshot()
	if snap.State != StateReview || snap.Review.Definition != "自强求富" {
		t.Fatalf("unexpected review %+v", snap.Review)
	}
	if err := h.ctrl.CloseReview(); err != nil {
		t.Fatalf("CloseReview: %v", err)
	}
	if h.ctrl.State() != StateResult {
		t.Fatalf("expected result, got %s", h.ctrl.State())
	}

	if err := h.ctrl.CloseResult(ctx); err != nil {
		t.Fatalf("CloseResult: %v", err)
	}
	if err := h.ctrl.OpenMistakes(ctx); err != nil {
		t.Fatalf("OpenMistakes: %v", err)
	}
	snap = h.ctrl.Snapshot()
	if snap.State != StateMistakes || len(snap.Mistakes) != 2 {
		t.Fatalf("expected 2 mistakes, got %+v", snap.Mistakes)
	}
	if snap.Provenance != cache.Authoritative {
		t.Errorf("expected authoritative mistakes, got %s", snap.Provenance)
	}

	// Unknown tags fall back to the default record.
	if err := h.ctrl.OpenReview("不存在的知识点"); err != nil {
		t.Fatalf("OpenReview: %v", err)
	}
	snap = h.ctrl.Snapshot()
	if snap.Review.Definition != reference.DefaultPoint.Definition {
		t.Errorf("expected default point, got %+v", snap.Review)
	}
	if err := h.ctrl.CloseReview(); err != nil {
		t.Fatalf("CloseReview: %v", err)
	}
	if h.ctrl.State() != StateMistakes {
		t.Fatalf("expected mistakes, got %s", h.ctrl.State())
	}
	if err := h.ctrl.CloseMistakes(); err != nil {
		t.Fatalf("CloseMistakes: %v", err)
	}
	if h.ctrl.State() != StateDashboard {
		t.Errorf("expected dashboard, got %s", h.ctrl.State())
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.start(t)

	if err := h.ctrl.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.State != StateLoggedOut || snap.Student != nil || snap.Session != nil {
		t.Errorf("unexpected snapshot after logout %+v", snap)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := NewRegistry(h.deps)

	c1, err := r.Get(ctx, h.student)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c1.State() != StateDashboard {
		t.Errorf("new controller should be logged in, got %s", c1.State())
	}
	c2, _ := r.Get(ctx, h.student)
	if c1 != c2 {
		t.Error("expected the same controller for the same student")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 controller, got %d", r.Len())
	}

	if err := r.Remove(h.student.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Len() != 0 || c1.State() != StateLoggedOut {
		t.Error("removed controller should be logged out and forgotten")
	}
}
