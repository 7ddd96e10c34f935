package flow

import (
	"maps"

	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/quota"
	"github.com/zhixue/practice/internal/reference"
)

// Snapshot is a read-only copy of a controller's view state.
type Snapshot struct {
	State        State             `json:"state"`
	Student      *model.Student    `json:"student,omitempty"`
	Session      *model.Session    `json:"session,omitempty"`
	Cursor       int               `json:"cursor"`
	Answers      map[string]string `json:"answers,omitempty"`
	Result       *model.Result     `json:"result,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ReasonData   map[string]any    `json:"-"`
	Quota        quota.Decision    `json:"quota"`
	MistakeCount int               `json:"mistake_count"`
	Mistakes     []model.Question  `json:"mistakes,omitempty"`
	Provenance   cache.Provenance  `json:"provenance,omitempty"`
	Review       *reference.Point  `json:"review,omitempty"`
}

// Snapshot returns the current view state. Answer keys and analyses stay
// hidden until the session has been graded.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:        c.state,
		Cursor:       c.cursor,
		Answers:      maps.Clone(c.answers),
		Reason:       c.reason,
		ReasonData:   maps.Clone(c.reasonData),
		Quota:        c.quota,
		MistakeCount: c.mistakeCount,
		Provenance:   c.provenance,
	}
	if c.student != nil {
		st := *c.student
		s.Student = &st
	}
	if c.session != nil {
		sess := *c.session
		graded := c.result != nil
		sess.Questions = make([]model.Question, len(c.session.Questions))
		for i, q := range c.session.Questions {
			if !graded {
				q = redact(q)
			}
			sess.Questions[i] = q
		}
		s.Session = &sess
	}
	if c.result != nil {
		r := *c.result
		r.Outcomes = append([]model.GradingOutcome(nil), c.result.Outcomes...)
		s.Result = &r
	}
	if c.state == StateMistakes || (c.state == StateReview && c.reviewOrigin == StateMistakes) {
		s.Mistakes = append([]model.Question(nil), c.mistakes...)
	}
	if c.review != nil {
		p := *c.review
		s.Review = &p
	}
	return s
}

func redact(q model.Question) model.Question {
	q.Answer = ""
	q.Analysis = ""
	q.Highlights = nil
	return q
}
