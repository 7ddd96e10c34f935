package model

import (
	"context"
	"math"
	"time"
)

// Role represents a student's access level.
type Role string

// RoleStudent is a regular practice user. Administration uses basic auth
// rather than a stored role.
const RoleStudent Role = "student"

// Student represents a practice user identified by name and class.
type Student struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ClassName string    `json:"class_name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthSession represents a login token bound to a student.
type AuthSession struct {
	ID        string
	StudentID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type studentCtxKey struct{}

// ContextWithStudent stores a student in the request context.
func ContextWithStudent(ctx context.Context, s *Student) context.Context {
	return context.WithValue(ctx, studentCtxKey{}, s)
}

// StudentFromContext retrieves the logged-in student from context, or nil.
func StudentFromContext(ctx context.Context) *Student {
	s, _ := ctx.Value(studentCtxKey{}).(*Student)
	return s
}

// Region is an administrative exam variant that partitions the question bank.
type Region string

const (
	RegionGuangzhou Region = "广州"
	RegionShenzhen  Region = "深圳"
	RegionGeneral   Region = "通用"
)

// Kind classifies how a question is scored.
type Kind string

const (
	// KindObjective questions have a single selectable answer token.
	KindObjective Kind = "objective"
	// KindOpen questions take free text and are scored by the external grader.
	KindOpen Kind = "open"
)

// Question is an immutable question record. Its identity is ID within Region.
type Question struct {
	ID         string   `json:"id"`
	Region     Region   `json:"region"`
	Kind       Kind     `json:"kind"`
	Stem       string   `json:"stem"`
	Material   string   `json:"material,omitempty"`
	Options    []string `json:"options,omitempty"`
	Answer     string   `json:"answer"`
	Analysis   string   `json:"analysis"`
	Topic      string   `json:"topic,omitempty"`
	Category   string   `json:"category,omitempty"`
	Highlights []string `json:"highlights,omitempty"`
	MaxScore   float64  `json:"max_score"`
}

// Session is a drafted question set. The question set never changes after drafting.
type Session struct {
	ID        string     `json:"id"`
	StudentID string     `json:"student_id"`
	Region    Region     `json:"region"`
	Questions []Question `json:"questions"`
	StartedAt time.Time  `json:"started_at"`
}

// OpenQuestion returns the session's open-response question, if any.
func (s Session) OpenQuestion() (Question, bool) {
	for _, q := range s.Questions {
		if q.Kind == KindOpen {
			return q, true
		}
	}
	return Question{}, false
}

// GradingOutcome is the score of a single session item.
type GradingOutcome struct {
	QuestionID string  `json:"question_id"`
	Kind       Kind    `json:"kind"`
	Awarded    float64 `json:"awarded"`
	Max        float64 `json:"max"`
	Correct    bool    `json:"correct"`
	Rationale  string  `json:"rationale"`
	Feedback   string  `json:"feedback"`
	// Degraded marks a placeholder outcome produced when the grader failed.
	Degraded bool `json:"degraded,omitempty"`
}

// Result aggregates the outcomes of one grading pass.
type Result struct {
	Outcomes []GradingOutcome `json:"outcomes"`
	Total    float64          `json:"total"`
	MaxTotal float64          `json:"max_total"`
}

// DisplayTotal rounds the total to a whole unit for display.
func (r Result) DisplayTotal() int {
	return int(math.Round(r.Total))
}

// Outcome returns the outcome for a question id.
func (r Result) Outcome(questionID string) (GradingOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.QuestionID == questionID {
			return o, true
		}
	}
	return GradingOutcome{}, false
}

// Attempt is the persisted, append-only record of a completed session.
type Attempt struct {
	ID             string        `json:"id"`
	StudentID      string        `json:"student_id"`
	Region         Region        `json:"region"`
	Score          float64       `json:"score"`
	MaxScore       float64       `json:"max_score"`
	TotalQuestions int           `json:"total_questions"`
	DurationSec    int           `json:"duration_sec"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	Items          []AttemptItem `json:"items"`
}

// AttemptItem is one graded question of an attempt.
type AttemptItem struct {
	QuestionID string          `json:"question_id"`
	UserAnswer string          `json:"user_answer"`
	IsCorrect  bool            `json:"is_correct"`
	Score      float64         `json:"score"`
	MaxScore   float64         `json:"max_score"`
	Grading    *GradingOutcome `json:"grading,omitempty"`
}

// MistakeEntry records that a student missed a question. At most one entry
// exists per (StudentID, QuestionID).
type MistakeEntry struct {
	StudentID  string    `json:"student_id"`
	QuestionID string    `json:"question_id"`
	Region     Region    `json:"region"`
	Snapshot   Question  `json:"snapshot"`
	MissedAt   time.Time `json:"missed_at"`
}

// AdminStats holds aggregate numbers for the administrative view.
type AdminStats struct {
	Students      int     `json:"students"`
	Attempts      int     `json:"attempts"`
	AttemptsToday int     `json:"attempts_today"`
	AverageScore  float64 `json:"average_score"`
	Mistakes      int     `json:"mistakes"`
}

// ExamConfig holds runtime practice parameters set via CLI flags.
type ExamConfig struct {
	ObjectiveCount   int     // objective items per session
	OpenCount        int     // open-response items per session
	DailyLimit       int     // graded sessions per student per local day
	MasteryThreshold float64 // fraction of max score below which an open item is a miss
	Location         *time.Location
	SecureCookies    bool
}

// DefaultExamConfig returns the shape used by the regional history papers.
func DefaultExamConfig() ExamConfig {
	return ExamConfig{
		ObjectiveCount:   4,
		OpenCount:        1,
		DailyLimit:       5,
		MasteryThreshold: 0.6,
		Location:         time.Local,
	}
}
