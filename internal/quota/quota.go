package quota

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zhixue/practice/internal/cache"
)

// Remote counts persisted attempts.
type Remote interface {
	CountAttempts(ctx context.Context, studentID string, from, to time.Time) (int, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool             `json:"allowed"`
	Count      int              `json:"count"`
	Limit      int              `json:"limit"`
	Remaining  int              `json:"remaining"`
	Provenance cache.Provenance `json:"provenance"`
}

type counter struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Guard enforces the per-student daily session limit.
type Guard struct {
	remote Remote
	cache  cache.Cache
	limit  int
	loc    *time.Location
	now    func() time.Time
}

// New creates a Guard. A non-positive limit disables the check.
func New(remote Remote, c cache.Cache, limit int, loc *time.Location) *Guard {
	if loc == nil {
		loc = time.Local
	}
	return &Guard{remote: remote, cache: c, limit: limit, loc: loc, now: time.Now}
}

// DayWindow returns the local day [midnight, next midnight) containing t.
func DayWindow(t time.Time, loc *time.Location) (from, to time.Time) {
	local := t.In(loc)
	from = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to = from.AddDate(0, 0, 1)
	return from, to
}

// CheckAndReserve reports whether the student may start another session
// today. The remote count is authoritative; when it cannot be read the last
// cached count for today is used, and a cached count from an earlier day
// counts as zero.
func (g *Guard) CheckAndReserve(ctx context.Context, studentID string) Decision {
	from, to := DayWindow(g.now(), g.loc)
	day := from.Format(time.DateOnly)

	d := Decision{Limit: g.limit, Provenance: cache.Authoritative}
	n, err := g.remote.CountAttempts(ctx, studentID, from, to)
	if err != nil {
		slog.Warn("count attempts failed, using cached quota", "student_id", studentID, "error", err)
		d.Provenance = cache.Cached
		n = g.cachedCount(ctx, studentID, day)
	} else {
		g.store(ctx, studentID, counter{Day: day, Count: n})
	}

	d.Count = n
	if g.limit <= 0 {
		d.Allowed = true
		return d
	}
	d.Allowed = n < g.limit
	d.Remaining = max(g.limit-n, 0)
	return d
}

// RecordCompleted bumps today's cached count after a graded session so the
// offline fallback stays bounded.
func (g *Guard) RecordCompleted(ctx context.Context, studentID string) {
	from, _ := DayWindow(g.now(), g.loc)
	day := from.Format(time.DateOnly)
	g.store(ctx, studentID, counter{Day: day, Count: g.cachedCount(ctx, studentID, day) + 1})
}

func (g *Guard) cachedCount(ctx context.Context, studentID, day string) int {
	raw, ok, err := g.cache.Get(ctx, cache.QuotaKey(studentID))
	if err != nil {
		slog.Warn("read cached quota failed", "student_id", studentID, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	var c counter
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		slog.Warn("decode cached quota failed", "student_id", studentID, "error", err)
		return 0
	}
	if c.Day != day {
		return 0
	}
	return c.Count
}

func (g *Guard) store(ctx context.Context, studentID string, c counter) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, cache.QuotaKey(studentID), string(data)); err != nil {
		slog.Warn("cache quota failed", "student_id", studentID, "error", err)
	}
}
