package flow

import (
	"context"
	"errors"
	"time"

	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/drafter"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/quota"
	"github.com/zhixue/practice/internal/reference"
)

// State is a position in the practice flow.
type State string

const (
	StateLoggedOut State = "logged_out"
	StateDashboard State = "dashboard"
	StateDrafting  State = "drafting"
	StateInSession State = "in_session"
	StateGrading   State = "grading"
	StateResult    State = "result"
	StateBlocked   State = "blocked"
	StateMistakes  State = "mistakes"
	StateReview    State = "review"
)

var (
	// ErrInvalidTransition means the action is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrOpenAnswerRequired means submit was attempted with a blank open-response answer.
	ErrOpenAnswerRequired = errors.New("open-response answer required")
	// ErrNoActiveSession means an answer referenced a question outside the session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrUnknownQuestion means the question is not part of the active session.
	ErrUnknownQuestion = errors.New("question not in session")
)

// Reason codes explain why the flow landed where it did. They double as
// message IDs for the user-facing surface.
const (
	ReasonQuotaExceeded     = "QuotaExceeded"
	ReasonRegionUnavailable = "RegionUnavailable"
	ReasonInsufficientPool  = "InsufficientPool"
	ReasonGraderBusy        = "GraderBusy"
)

// Drafter drafts a session's question set.
type Drafter interface {
	Draft(ctx context.Context, studentID string, region model.Region) (drafter.Draw, error)
}

// Grader grades a complete session.
type Grader interface {
	Grade(ctx context.Context, session model.Session, answers map[string]string) (model.Result, error)
}

// AttemptStore persists completed attempts.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, a model.Attempt) (string, error)
}

// MistakeBook tracks missed questions.
type MistakeBook interface {
	RecordIfMissed(ctx context.Context, studentID string, q model.Question, o model.GradingOutcome) (bool, error)
	Refresh(ctx context.Context, studentID string) error
	List(ctx context.Context, studentID string) ([]model.Question, cache.Provenance)
	Count(ctx context.Context, studentID string) int
}

// Quota enforces the daily limit.
type Quota interface {
	CheckAndReserve(ctx context.Context, studentID string) quota.Decision
	RecordCompleted(ctx context.Context, studentID string)
}

// Reference looks up knowledge-point content.
type Reference interface {
	Lookup(tag string) (reference.Point, bool)
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Drafter   Drafter
	Grader    Grader
	Attempts  AttemptStore
	Mistakes  MistakeBook
	Quota     Quota
	Reference Reference
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
