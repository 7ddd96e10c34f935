package drafter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/zhixue/practice/internal/bank"
	"github.com/zhixue/practice/internal/model"
)

var (
	// ErrUnknownRegion means the bank has no partition for the requested region.
	ErrUnknownRegion = errors.New("unknown region")
	// ErrInsufficientPool means a full partition cannot satisfy the session shape.
	ErrInsufficientPool = errors.New("insufficient question pool")
)

// ConfigurationError is a fatal drafting error. It is never retried.
type ConfigurationError struct {
	Region model.Region
	Err    error
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("region %s: %v: %s", e.Region, e.Err, e.Detail)
	}
	return fmt.Sprintf("region %s: %v", e.Region, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Shape is the fixed composition of a session.
type Shape struct {
	Objective int
	Open      int
}

// ShapeFromConfig returns the session shape configured for the exam.
func ShapeFromConfig(cfg model.ExamConfig) Shape {
	return Shape{Objective: cfg.ObjectiveCount, Open: cfg.OpenCount}
}

// Shuffler is a uniform random permutation primitive. *rand.Rand satisfies it.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

type globalShuffler struct{}

func (globalShuffler) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// Draw is the outcome of drafting one session.
type Draw struct {
	// Questions holds the objective selection followed by the open selection.
	Questions []model.Question
	// Used is the updated ledger, sorted.
	Used []string
	// Reset reports whether the ledger was cleared before selecting.
	Reset bool
}

// Draft selects shape.Objective objective and shape.Open open-response
// questions from p that are not in used. When either kind cannot be
// satisfied from the unused remainder, the whole ledger is cleared and the
// selection is made from the full partition.
func Draft(p bank.Partition, used map[string]bool, shape Shape, sh Shuffler) (Draw, error) {
	objectiveAll, openAll := p.Objective(), p.Open()
	if len(objectiveAll) < shape.Objective || len(openAll) < shape.Open {
		return Draw{}, &ConfigurationError{
			Region: p.Region(),
			Err:    ErrInsufficientPool,
			Detail: fmt.Sprintf("have %d objective + %d open, need %d + %d",
				len(objectiveAll), len(openAll), shape.Objective, shape.Open),
		}
	}
	if sh == nil {
		sh = globalShuffler{}
	}

	objective := unused(objectiveAll, used)
	open := unused(openAll, used)
	reset := false
	if len(objective) < shape.Objective || len(open) < shape.Open {
		reset = true
		used = nil
		objective, open = objectiveAll, openAll
	}

	shuffle(sh, objective)
	shuffle(sh, open)

	questions := make([]model.Question, 0, shape.Objective+shape.Open)
	questions = append(questions, objective[:shape.Objective]...)
	questions = append(questions, open[:shape.Open]...)

	next := make(map[string]bool, len(used)+len(questions))
	for id, ok := range used {
		if ok {
			next[id] = true
		}
	}
	for _, q := range questions {
		next[q.ID] = true
	}

	return Draw{Questions: questions, Used: sortedIDs(next), Reset: reset}, nil
}

func unused(pool []model.Question, used map[string]bool) []model.Question {
	out := make([]model.Question, 0, len(pool))
	for _, q := range pool {
		if !used[q.ID] {
			out = append(out, q)
		}
	}
	return out
}

func shuffle(sh Shuffler, qs []model.Question) {
	sh.Shuffle(len(qs), func(i, j int) {
		qs[i], qs[j] = qs[j], qs[i]
	})
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LedgerStore persists each student's used-id ledger per region.
type LedgerStore interface {
	Load(ctx context.Context, studentID string, region model.Region) (map[string]bool, error)
	Save(ctx context.Context, studentID string, region model.Region, used []string) error
}

// Drafter drafts sessions for students and maintains their ledgers.
type Drafter struct {
	bank   *bank.Bank
	ledger LedgerStore
	shape  Shape

	mu       sync.Mutex // guards shuffler
	shuffler Shuffler
}

// New creates a Drafter. A nil shuffler uses the global math/rand/v2 source.
func New(b *bank.Bank, ledger LedgerStore, shape Shape, sh Shuffler) *Drafter {
	if sh == nil {
		sh = globalShuffler{}
	}
	return &Drafter{bank: b, ledger: ledger, shape: shape, shuffler: sh}
}

// Shape returns the configured session shape.
func (d *Drafter) Shape() Shape {
	return d.shape
}

// Draft drafts a session for the student in the exact region and persists
// the updated ledger. Ledger storage failures are logged and do not fail the
// draft.
func (d *Drafter) Draft(ctx context.Context, studentID string, region model.Region) (Draw, error) {
	p, ok := d.bank.Partition(region)
	if !ok {
		return Draw{}, &ConfigurationError{Region: region, Err: ErrUnknownRegion}
	}

	used, err := d.ledger.Load(ctx, studentID, region)
	if err != nil {
		slog.Warn("load used-id ledger failed, drafting from an empty ledger",
			"student_id", studentID, "region", region, "error", err)
		used = nil
	}

	d.mu.Lock()
	draw, err := Draft(p, used, d.shape, d.shuffler)
	d.mu.Unlock()
	if err != nil {
		return Draw{}, err
	}

	if draw.Reset {
		slog.Info("used-id ledger reset", "student_id", studentID, "region", region)
	}
	if err := d.ledger.Save(ctx, studentID, region, draw.Used); err != nil {
		slog.Warn("persist used-id ledger failed",
			"student_id", studentID, "region", region, "error", err)
	}
	return draw, nil
}

// Validate checks that every region of the bank can satisfy the shape.
func Validate(b *bank.Bank, shape Shape) error {
	var errs []error
	for _, region := range b.Regions() {
		p, _ := b.Partition(region)
		objective, open := p.Size()
		if objective < shape.Objective || open < shape.Open {
			errs = append(errs, &ConfigurationError{
				Region: region,
				Err:    ErrInsufficientPool,
				Detail: fmt.Sprintf("have %d objective + %d open, need %d + %d",
					objective, open, shape.Objective, shape.Open),
			})
		}
	}
	return errors.Join(errs...)
}
