package mistakes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zhixue/practice/internal/bank"
	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/grading"
	"github.com/zhixue/practice/internal/model"
)

// Remote is the authoritative mistake storage.
type Remote interface {
	UpsertMistake(ctx context.Context, e model.MistakeEntry) error
	ListMistakes(ctx context.Context, studentID string) ([]model.MistakeEntry, error)
}

// localEntry is a cached mistake. Pending entries have not reached the
// remote store yet.
type localEntry struct {
	model.MistakeEntry
	Pending bool `json:"pending,omitempty"`
}

// Tracker records missed questions and serves the mistake book.
type Tracker struct {
	remote    Remote
	bank      *bank.Bank
	cache     cache.Cache
	threshold float64
	now       func() time.Time
}

// New creates a Tracker. threshold is the mastery fraction for open items.
func New(remote Remote, b *bank.Bank, c cache.Cache, threshold float64) *Tracker {
	return &Tracker{remote: remote, bank: b, cache: c, threshold: threshold, now: time.Now}
}

// RecordIfMissed upserts a mistake entry when the outcome is a miss and
// reports whether it did. A remote failure keeps the entry locally as pending
// for the next Refresh; an error is returned only when the entry was lost.
func (t *Tracker) RecordIfMissed(ctx context.Context, studentID string, q model.Question, o model.GradingOutcome) (bool, error) {
	if !grading.IsMiss(o, t.threshold) {
		return false, nil
	}

	entry := localEntry{
		MistakeEntry: model.MistakeEntry{
			StudentID:  studentID,
			QuestionID: q.ID,
			Region:     q.Region,
			Snapshot:   q,
			MissedAt:   t.now(),
		},
	}

	remoteErr := t.remote.UpsertMistake(ctx, entry.MistakeEntry)
	if remoteErr != nil {
		slog.Warn("record mistake remotely failed, keeping it pending",
			"student_id", studentID, "question_id", q.ID, "error", remoteErr)
		entry.Pending = true
	}

	local, err := t.load(ctx, studentID)
	if err != nil {
		slog.Warn("load cached mistakes failed", "student_id", studentID, "error", err)
		local = nil
	}
	local = upsert(local, entry)
	if err := t.save(ctx, studentID, local); err != nil {
		if remoteErr != nil {
			return true, fmt.Errorf("record mistake %s: %w", q.ID, remoteErr)
		}
		slog.Warn("cache mistakes failed", "student_id", studentID, "error", err)
	}
	return true, nil
}

// Refresh pushes pending entries to the remote store and replaces the local
// set with the remote one. Entries still pending survive the replacement.
func (t *Tracker) Refresh(ctx context.Context, studentID string) error {
	local, err := t.load(ctx, studentID)
	if err != nil {
		slog.Warn("load cached mistakes failed", "student_id", studentID, "error", err)
		local = nil
	}

	for i := range local {
		if !local[i].Pending {
			continue
		}
		if err := t.remote.UpsertMistake(ctx, local[i].MistakeEntry); err != nil {
			slog.Warn("retry pending mistake failed",
				"student_id", studentID, "question_id", local[i].QuestionID, "error", err)
			continue
		}
		local[i].Pending = false
	}

	remote, err := t.remote.ListMistakes(ctx, studentID)
	if err != nil {
		if saveErr := t.save(ctx, studentID, local); saveErr != nil {
			slog.Warn("cache mistakes failed", "student_id", studentID, "error", saveErr)
		}
		return fmt.Errorf("list mistakes: %w", err)
	}

	next := make([]localEntry, 0, len(remote))
	for _, e := range remote {
		next = append(next, localEntry{MistakeEntry: e})
	}
	for _, e := range local {
		if e.Pending {
			next = upsert(next, e)
		}
	}
	if err := t.save(ctx, studentID, next); err != nil {
		slog.Warn("cache mistakes failed", "student_id", studentID, "error", err)
	}
	return nil
}

// List returns the student's mistake book, most recent first. Each entry is
// resolved against the live bank, then its snapshot; entries resolving to
// neither are dropped.
func (t *Tracker) List(ctx context.Context, studentID string) ([]model.Question, cache.Provenance) {
	provenance := cache.Authoritative
	if err := t.Refresh(ctx, studentID); err != nil {
		slog.Warn("mistake book served from cache", "student_id", studentID, "error", err)
		provenance = cache.Cached
	}

	local, err := t.load(ctx, studentID)
	if err != nil {
		slog.Warn("load cached mistakes failed", "student_id", studentID, "error", err)
		return nil, cache.Cached
	}
	sort.SliceStable(local, func(i, j int) bool {
		return local[i].MissedAt.After(local[j].MissedAt)
	})

	questions := make([]model.Question, 0, len(local))
	for _, e := range local {
		q, ok := t.resolve(e.MistakeEntry)
		if !ok {
			slog.Warn("dropping unresolvable mistake",
				"student_id", studentID, "question_id", e.QuestionID, "region", e.Region)
			continue
		}
		questions = append(questions, q)
	}
	return questions, provenance
}

// Count returns the number of cached entries without contacting the remote store.
func (t *Tracker) Count(ctx context.Context, studentID string) int {
	local, err := t.load(ctx, studentID)
	if err != nil {
		return 0
	}
	return len(local)
}

func (t *Tracker) resolve(e model.MistakeEntry) (model.Question, bool) {
	if t.bank != nil {
		if q, ok := t.bank.Lookup(e.Region, e.QuestionID); ok {
			return q, true
		}
	}
	if e.Snapshot.ID != "" {
		return e.Snapshot, true
	}
	return model.Question{}, false
}

func upsert(entries []localEntry, e localEntry) []localEntry {
	for i := range entries {
		if entries[i].QuestionID == e.QuestionID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func (t *Tracker) load(ctx context.Context, studentID string) ([]localEntry, error) {
	raw, ok, err := t.cache.Get(ctx, cache.MistakesKey(studentID))
	if err != nil || !ok {
		return nil, err
	}
	var entries []localEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode cached mistakes: %w", err)
	}
	return entries, nil
}

func (t *Tracker) save(ctx context.Context, studentID string, entries []localEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return t.cache.Set(ctx, cache.MistakesKey(studentID), string(data))
}
