package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	appI18n "github.com/zhixue/practice/internal/i18n"
	"github.com/zhixue/practice/internal/llm"
	"github.com/zhixue/practice/internal/model"
)

var (
	// ErrGraderBusy means the grading service refused the request for load
	// reasons. The pass is aborted and may be resubmitted.
	ErrGraderBusy = errors.New("grader busy")
	// ErrGradingInFlight means a pass for the same session is still running.
	ErrGradingInFlight = errors.New("grading already in progress")
)

// Grader scores a single open-response answer.
type Grader interface {
	GradeAnswer(ctx context.Context, req llm.GradeRequest) (*llm.GradeResult, error)
}

// Orchestrator grades complete sessions.
type Orchestrator struct {
	grader Grader

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates an Orchestrator that sends open-response items to g.
func New(g Grader) *Orchestrator {
	return &Orchestrator{grader: g, inFlight: make(map[string]bool)}
}

// Grade scores every question of the session and returns outcomes in
// session order. A rate-limited grader aborts the whole pass with
// ErrGraderBusy; any other grader failure yields a degraded zero-score
// outcome for that item and grading continues.
func (o *Orchestrator) Grade(ctx context.Context, session model.Session, answers map[string]string) (model.Result, error) {
	if !o.begin(session.ID) {
		return model.Result{}, ErrGradingInFlight
	}
	defer o.end(session.ID)

	result := model.Result{Outcomes: make([]model.GradingOutcome, 0, len(session.Questions))}
	for _, q := range session.Questions {
		var (
			outcome model.GradingOutcome
			err     error
		)
		if q.Kind == model.KindObjective {
			outcome = gradeObjective(q, answers[q.ID])
		} else {
			outcome, err = o.gradeOpen(ctx, session.Region, q, answers[q.ID])
			if err != nil {
				return model.Result{}, err
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)
		result.MaxTotal += q.MaxScore
	}
	result.Total = Sum(result.Outcomes)
	return result, nil
}

func (o *Orchestrator) begin(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[sessionID] {
		return false
	}
	o.inFlight[sessionID] = true
	return true
}

func (o *Orchestrator) end(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, sessionID)
}

func gradeObjective(q model.Question, answer string) model.GradingOutcome {
	given := strings.TrimSpace(answer)
	correct := given != "" && given == strings.TrimSpace(q.Answer)
	awarded := 0.0
	if correct {
		awarded = q.MaxScore
	}
	return model.GradingOutcome{
		QuestionID: q.ID,
		Kind:       model.KindObjective,
		Awarded:    awarded,
		Max:        q.MaxScore,
		Correct:    correct,
		Rationale:  q.Analysis,
	}
}

func (o *Orchestrator) gradeOpen(ctx context.Context, region model.Region, q model.Question, answer string) (model.GradingOutcome, error) {
	outcome := model.GradingOutcome{
		QuestionID: q.ID,
		Kind:       model.KindOpen,
		Max:        q.MaxScore,
		Rationale:  q.Analysis,
	}
	if strings.TrimSpace(answer) == "" {
		return outcome, nil
	}

	res, err := o.grader.GradeAnswer(ctx, llm.GradeRequest{
		Region:          region,
		Stem:            q.Stem,
		Material:        q.Material,
		CanonicalAnswer: q.Answer,
		MaxScore:        q.MaxScore,
		StudentAnswer:   answer,
	})
	if err != nil {
		var rl *llm.ErrRateLimit
		if errors.As(err, &rl) {
			return model.GradingOutcome{}, fmt.Errorf("%w: %w", ErrGraderBusy, err)
		}
		if ctx.Err() != nil {
			return model.GradingOutcome{}, ctx.Err()
		}
		slog.Warn("grading failed, recording zero score", "question_id", q.ID, "error", err)
		outcome.Feedback = appI18n.T(ctx, "GraderFallback")
		outcome.Degraded = true
		return outcome, nil
	}

	outcome.Awarded = clamp(res.Score, 0, q.MaxScore)
	outcome.Correct = outcome.Awarded > 0
	outcome.Feedback = res.Feedback
	if res.Rationale != "" {
		outcome.Rationale = res.Rationale
	}
	return outcome, nil
}

// clamp bounds v to [lo, hi]. NaN maps to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sum returns the total awarded score of the outcomes.
func Sum(outcomes []model.GradingOutcome) float64 {
	var total float64
	for _, o := range outcomes {
		total += o.Awarded
	}
	return total
}

// IsMiss reports whether an outcome counts as a mistake. Objective items are
// missed when incorrect; open items when the awarded score is strictly below
// threshold times the maximum.
func IsMiss(o model.GradingOutcome, threshold float64) bool {
	if o.Kind == model.KindObjective {
		return !o.Correct
	}
	return o.Awarded < threshold*o.Max
}
