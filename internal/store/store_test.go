package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhixue/practice/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestStudent(t *testing.T, s *Store, name string) *model.Student {
	t.Helper()
	st, err := s.SaveStudent(context.Background(), name, "初三(2)班")
	if err != nil {
		t.Fatalf("SaveStudent: %v", err)
	}
	return st
}

func TestSaveStudent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := createTestStudent(t, s, "李明")
	if first.ID == "" || first.Role != model.RoleStudent {
		t.Fatalf("unexpected student %+v", first)
	}

	// Logging in again with the same name and class returns the same record.
	again, err := s.SaveStudent(ctx, " 李明 ", "初三(2)班")
	if err != nil {
		t.Fatalf("SaveStudent: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("expected the existing student %s, got %s", first.ID, again.ID)
	}

	// Same name in another class is a different student.
	other, err := s.SaveStudent(ctx, "李明", "初三(5)班")
	if err != nil {
		t.Fatalf("SaveStudent: %v", err)
	}
	if other.ID == first.ID {
		t.Error("students in different classes should differ")
	}

	got, err := s.GetStudent(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetStudent: %v", err)
	}
	if got.Name != "李明" || got.ClassName != "初三(2)班" {
		t.Errorf("unexpected student %+v", got)
	}

	if _, err := s.GetStudent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListStudents(ctx)
	if err != nil {
		t.Fatalf("ListStudents: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 students, got %d", len(list))
	}
}

func TestAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := createTestStudent(t, s, "王芳")

	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.FixedZone("CST", 8*3600))
	outcome := &model.GradingOutcome{QuestionID: "m1", Kind: model.KindOpen, Awarded: 12, Max: 20, Feedback: "较好"}

	id, err := s.SaveAttempt(ctx, model.Attempt{
		StudentID:      st.ID,
		Region:         "广州",
		Score:          20,
		MaxScore:       28,
		TotalQuestions: 2,
		DurationSec:    300,
		SubmittedAt:    day.Add(9 * time.Hour),
		Items: []model.AttemptItem{
			{QuestionID: "c1", UserAnswer: "A", IsCorrect: true, Score: 2, MaxScore: 2},
			{QuestionID: "m1", UserAnswer: "作答", IsCorrect: true, Score: 12, MaxScore: 20, Grading: outcome},
		},
	})
	if err != nil {
		t.Fatalf("SaveAttempt: %v", err)
	}
	if id == "" {
		t.Fatal("expected attempt id")
	}

	// One attempt the previous evening.
	if _, err := s.SaveAttempt(ctx, model.Attempt{StudentID: st.ID, Region: "广州", SubmittedAt: day.Add(-time.Hour)}); err != nil {
		t.Fatalf("SaveAttempt: %v", err)
	}

	n, err := s.CountAttempts(ctx, st.ID, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("CountAttempts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 attempt today, got %d", n)
	}

	attempts, err := s.ListAttempts(ctx, st.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	latest := attempts[1]
	if latest.ID != id || latest.DurationSec != 300 || len(latest.Items) != 2 {
		t.Errorf("unexpected attempt %+v", latest)
	}
	if latest.Items[0].QuestionID != "c1" || !latest.Items[0].IsCorrect {
		t.Errorf("unexpected first item %+v", latest.Items[0])
	}
	if g := latest.Items[1].Grading; g == nil || g.Feedback != "较好" {
		t.Errorf("grading detail not round-tripped: %+v", g)
	}
}

func TestSaveAttemptRequiresRow(t *testing.T) {
	s := newTestStore(t)
	s.Close()
	if _, err := s.SaveAttempt(context.Background(), model.Attempt{StudentID: "x"}); err == nil {
		t.Error("expected error on a closed store")
	}
}

func TestMistakes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := createTestStudent(t, s, "陈晨")
	t0 := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	q := model.Question{ID: "c1", Region: "深圳", Kind: model.KindObjective, Stem: "题干", Answer: "C", MaxScore: 2}
	if err := s.UpsertMistake(ctx, model.MistakeEntry{StudentID: st.ID, QuestionID: "c1", Region: "深圳", Snapshot: q, MissedAt: t0}); err != nil {
		t.Fatalf("UpsertMistake: %v", err)
	}
	if err := s.UpsertMistake(ctx, model.MistakeEntry{StudentID: st.ID, QuestionID: "m1", Region: "深圳", MissedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertMistake: %v", err)
	}
	// Missing c1 again updates the existing row.
	if err := s.UpsertMistake(ctx, model.MistakeEntry{StudentID: st.ID, QuestionID: "c1", Region: "深圳", Snapshot: q, MissedAt: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertMistake: %v", err)
	}

	entries, err := s.ListMistakes(ctx, st.ID)
	if err != nil {
		t.Fatalf("ListMistakes: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].QuestionID != "c1" || !entries[0].MissedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected refreshed c1 first, got %+v", entries[0])
	}
	if entries[0].Snapshot.Stem != "题干" {
		t.Errorf("snapshot not round-tripped: %+v", entries[0].Snapshot)
	}

	others, err := s.ListMistakes(ctx, "someone-else")
	if err != nil {
		t.Fatalf("ListMistakes: %v", err)
	}
	if len(others) != 0 {
		t.Errorf("expected no entries, got %d", len(others))
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := createTestStudent(t, s, "甲")
	b := createTestStudent(t, s, "乙")
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	for _, at := range []model.Attempt{
		{StudentID: a.ID, Region: "通用", Score: 10, SubmittedAt: day.Add(time.Hour)},
		{StudentID: b.ID, Region: "通用", Score: 20, SubmittedAt: day.Add(2 * time.Hour)},
		{StudentID: b.ID, Region: "通用", Score: 30, SubmittedAt: day.Add(-2 * time.Hour)},
	} {
		if _, err := s.SaveAttempt(ctx, at); err != nil {
			t.Fatalf("SaveAttempt: %v", err)
		}
	}
	if err := s.UpsertMistake(ctx, model.MistakeEntry{StudentID: a.ID, QuestionID: "c1", Region: "通用", MissedAt: day}); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := model.AdminStats{Students: 2, Attempts: 3, AttemptsToday: 2, AverageScore: 20, Mistakes: 1}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	empty := newTestStore(t)
	st, err = empty.Stats(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Stats on empty store: %v", err)
	}
	if st != (model.AdminStats{}) {
		t.Errorf("expected zero stats, got %+v", st)
	}
}

func TestAuthSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := createTestStudent(t, s, "赵雷")

	token, err := s.CreateAuthSession(ctx, st.ID)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	sess, err := s.GetAuthSession(ctx, token)
	if err != nil || sess == nil {
		t.Fatalf("GetAuthSession = %v, %v", sess, err)
	}
	if sess.StudentID != st.ID {
		t.Errorf("expected student %s, got %s", st.ID, sess.StudentID)
	}

	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	sess, err = s.GetAuthSession(ctx, token)
	if err != nil || sess != nil {
		t.Errorf("expected no session after delete, got %v, %v", sess, err)
	}

	// Expired sessions are not returned and are cleaned up.
	past := time.Now().Add(-time.Hour).UTC()
	if _, err := s.db.Exec(
		`INSERT INTO auth_sessions (id, student_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"old", st.ID, past.Add(-time.Hour), past,
	); err != nil {
		t.Fatal(err)
	}
	if sess, _ := s.GetAuthSession(ctx, "old"); sess != nil {
		t.Error("expired session should not be returned")
	}
	if err := s.CleanupExpiredSessions(ctx); err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
}

func TestBankHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetBankHash(ctx, "questions/bank.json")
	if err != nil || got != "" {
		t.Fatalf("GetBankHash on empty store = %q, %v", got, err)
	}
	if err := s.SetBankHash(ctx, "questions/bank.json", "abc"); err != nil {
		t.Fatalf("SetBankHash: %v", err)
	}
	if err := s.SetBankHash(ctx, "questions/bank.json", "def"); err != nil {
		t.Fatalf("SetBankHash: %v", err)
	}
	got, _ = s.GetBankHash(ctx, "questions/bank.json")
	if got != "def" {
		t.Errorf("expected def, got %q", got)
	}
}

func TestExportAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := createTestStudent(t, s, "甲")
	createTestStudent(t, s, "乙") // no attempts, omitted
	base := time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC)

	for i := range 2 {
		if _, err := s.SaveAttempt(ctx, model.Attempt{
			StudentID: a.ID, Region: "通用", Score: float64(10 * (i + 1)), SubmittedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.ExportAttempts(ctx)
	if err != nil {
		t.Fatalf("ExportAttempts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 student, got %d", len(results))
	}
	r := results[0]
	if r.Name != "甲" || len(r.Attempts) != 2 {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Attempts[0].AttemptNumber != 1 || r.Attempts[1].Score != 20 {
		t.Errorf("unexpected attempts %+v", r.Attempts)
	}
}
