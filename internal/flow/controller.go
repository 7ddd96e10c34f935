package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/drafter"
	"github.com/zhixue/practice/internal/grading"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/quota"
	"github.com/zhixue/practice/internal/reference"
)

// Controller drives one student's practice flow. Long-running steps
// (drafting and grading) run without holding the lock; the intermediate
// state rejects every mutating action until they finish.
type Controller struct {
	deps Deps

	mu           sync.Mutex
	state        State
	student      *model.Student
	session      *model.Session
	answers      map[string]string
	cursor       int
	result       *model.Result
	reason       string
	reasonData   map[string]any
	quota        quota.Decision
	mistakeCount int
	mistakes     []model.Question
	provenance   cache.Provenance
	review       *reference.Point
	reviewOrigin State
}

// NewController creates a logged-out controller.
func NewController(deps Deps) *Controller {
	return &Controller{deps: deps, state: StateLoggedOut}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Login binds the student and moves to the dashboard.
func (c *Controller) Login(ctx context.Context, st *model.Student) error {
	c.mu.Lock()
	if c.state != StateLoggedOut {
		same := c.student != nil && c.student.ID == st.ID
		c.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: already logged in", ErrInvalidTransition)
	}
	c.student = st
	c.state = StateDashboard
	c.mu.Unlock()

	c.refreshDashboard(ctx, true)
	return nil
}

// Logout clears everything. It is rejected while drafting or grading.
func (c *Controller) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDrafting || c.state == StateGrading {
		return ErrInvalidTransition
	}
	c.state = StateLoggedOut
	c.student = nil
	c.session = nil
	c.answers = nil
	c.cursor = 0
	c.result = nil
	c.clearReason()
	c.quota = quota.Decision{}
	c.mistakeCount = 0
	c.mistakes = nil
	c.provenance = ""
	c.review = nil
	c.reviewOrigin = ""
	return nil
}

// StartSession checks the quota and drafts a session for region. A student
// over the limit lands in Blocked without drafting; that is not an error.
func (c *Controller) StartSession(ctx context.Context, region model.Region) error {
	c.mu.Lock()
	if c.state != StateDashboard {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.state = StateDrafting
	c.clearReason()
	studentID := c.student.ID
	c.mu.Unlock()

	decision := c.deps.Quota.CheckAndReserve(ctx, studentID)
	if !decision.Allowed {
		c.mu.Lock()
		c.quota = decision
		c.state = StateBlocked
		c.reason = ReasonQuotaExceeded
		c.reasonData = map[string]any{"Limit": decision.Limit}
		c.mu.Unlock()
		slog.Info("daily limit reached", "student_id", studentID, "count", decision.Count)
		return nil
	}

	draw, err := c.deps.Drafter.Draft(ctx, studentID, region)
	if err != nil {
		c.mu.Lock()
		c.state = StateDashboard
		c.reason = ReasonRegionUnavailable
		if errors.Is(err, drafter.ErrInsufficientPool) {
			c.reason = ReasonInsufficientPool
		}
		c.reasonData = map[string]any{"Region": region}
		c.mu.Unlock()
		slog.Error("draft failed", "student_id", studentID, "region", region, "error", err)
		return err
	}

	session := &model.Session{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Region:    region,
		Questions: draw.Questions,
		StartedAt: c.deps.now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.quota = decision
	c.session = session
	c.answers = make(map[string]string, len(session.Questions))
	c.cursor = 0
	c.result = nil
	c.state = StateInSession
	slog.Info("session started", "student_id", studentID, "session_id", session.ID,
		"region", region, "ledger_reset", draw.Reset)
	return nil
}

// Answer records the answer to a question of the active session.
func (c *Controller) Answer(questionID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInSession {
		return ErrInvalidTransition
	}
	if c.session == nil {
		return ErrNoActiveSession
	}
	for _, q := range c.session.Questions {
		if q.ID == questionID {
			c.answers[questionID] = text
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
}

// Next moves the cursor forward, stopping at the last question.
func (c *Controller) Next() error {
	return c.move(1)
}

// Prev moves the cursor back, stopping at the first question.
func (c *Controller) Prev() error {
	return c.move(-1)
}

func (c *Controller) move(delta int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInSession {
		return ErrInvalidTransition
	}
	c.cursor = min(max(c.cursor+delta, 0), len(c.session.Questions)-1)
	return nil
}

// Submit grades the session. A blank open-response answer blocks submission.
// When grading fails the flow returns to InSession with answers intact;
// otherwise the attempt is persisted best-effort, mistakes are recorded and
// the flow moves to Result.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	if open, ok := c.session.OpenQuestion(); ok && strings.TrimSpace(c.answers[open.ID]) == "" {
		c.mu.Unlock()
		return ErrOpenAnswerRequired
	}
	c.state = StateGrading
	c.clearReason()
	session := *c.session
	answers := maps.Clone(c.answers)
	c.mu.Unlock()

	result, err := c.deps.Grader.Grade(ctx, session, answers)
	if err != nil {
		c.mu.Lock()
		c.state = StateInSession
		if errors.Is(err, grading.ErrGraderBusy) {
			c.reason = ReasonGraderBusy
		}
		c.mu.Unlock()
		slog.Warn("grading aborted", "session_id", session.ID, "error", err)
		return err
	}

	// The attempt outlives a cancelled request.
	c.finish(context.WithoutCancel(ctx), session, answers, result)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = &result
	c.state = StateResult
	return nil
}

func (c *Controller) finish(ctx context.Context, session model.Session, answers map[string]string, result model.Result) {
	now := c.deps.now()
	attempt := model.Attempt{
		StudentID:      session.StudentID,
		Region:         session.Region,
		Score:          result.Total,
		MaxScore:       result.MaxTotal,
		TotalQuestions: len(session.Questions),
		DurationSec:    int(now.Sub(session.StartedAt).Seconds()),
		SubmittedAt:    now,
	}
	for _, q := range session.Questions {
		o, _ := result.Outcome(q.ID)
		attempt.Items = append(attempt.Items, model.AttemptItem{
			QuestionID: q.ID,
			UserAnswer: answers[q.ID],
			IsCorrect:  o.Correct,
			Score:      o.Awarded,
			MaxScore:   o.Max,
			Grading:    &o,
		})
	}
	if id, err := c.deps.Attempts.SaveAttempt(ctx, attempt); err != nil {
		slog.Warn("persist attempt failed", "student_id", session.StudentID, "session_id", session.ID, "error", err)
	} else {
		slog.Info("attempt saved", "student_id", session.StudentID, "attempt_id", id,
			"score", result.Total, "max_score", result.MaxTotal)
	}

	for _, q := range session.Questions {
		o, ok := result.Outcome(q.ID)
		if !ok {
			continue
		}
		if _, err := c.deps.Mistakes.RecordIfMissed(ctx, session.StudentID, q, o); err != nil {
			slog.Warn("record mistake failed", "student_id", session.StudentID, "question_id", q.ID, "error", err)
		}
	}

	c.deps.Quota.RecordCompleted(ctx, session.StudentID)
	if err := c.deps.Mistakes.Refresh(ctx, session.StudentID); err != nil {
		slog.Warn("refresh mistakes failed", "student_id", session.StudentID, "error", err)
	}
}

// CloseResult leaves the result view for the dashboard.
func (c *Controller) CloseResult(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateResult {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.state = StateDashboard
	c.session = nil
	c.answers = nil
	c.result = nil
	c.mu.Unlock()

	c.refreshDashboard(ctx, false)
	return nil
}

// DismissBlocked returns from the limit notice to the dashboard.
func (c *Controller) DismissBlocked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBlocked {
		return ErrInvalidTransition
	}
	c.state = StateDashboard
	return nil
}

// OpenMistakes shows the mistake book.
func (c *Controller) OpenMistakes(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDashboard {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.state = StateMistakes
	c.clearReason()
	studentID := c.student.ID
	c.mu.Unlock()

	qs, provenance := c.deps.Mistakes.List(ctx, studentID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mistakes = qs
	c.provenance = provenance
	c.mistakeCount = len(qs)
	return nil
}

// CloseMistakes returns to the dashboard.
func (c *Controller) CloseMistakes() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateMistakes {
		return ErrInvalidTransition
	}
	c.state = StateDashboard
	c.mistakes = nil
	return nil
}

// OpenReview shows the knowledge point for tag. It is reachable from Result
// and Mistakes and returns there on close.
func (c *Controller) OpenReview(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateResult && c.state != StateMistakes {
		return ErrInvalidTransition
	}
	p, _ := c.deps.Reference.Lookup(tag)
	c.review = &p
	c.reviewOrigin = c.state
	c.state = StateReview
	return nil
}

// CloseReview returns to the view the review was opened from.
func (c *Controller) CloseReview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReview {
		return ErrInvalidTransition
	}
	c.state = c.reviewOrigin
	c.review = nil
	return nil
}

func (c *Controller) clearReason() {
	c.reason = ""
	c.reasonData = nil
}

// refreshDashboard reloads the quota and mistake summary shown on the dashboard.
func (c *Controller) refreshDashboard(ctx context.Context, syncMistakes bool) {
	c.mu.Lock()
	if c.student == nil {
		c.mu.Unlock()
		return
	}
	studentID := c.student.ID
	c.mu.Unlock()

	decision := c.deps.Quota.CheckAndReserve(ctx, studentID)
	if syncMistakes {
		if err := c.deps.Mistakes.Refresh(ctx, studentID); err != nil {
			slog.Warn("refresh mistakes failed", "student_id", studentID, "error", err)
		}
	}
	count := c.deps.Mistakes.Count(ctx, studentID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.quota = decision
	c.mistakeCount = count
}
