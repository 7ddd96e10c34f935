package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zhixue/practice/internal/model"
)

// UpsertMistake records a mistake. A second miss of the same question
// refreshes the existing row instead of adding one.
func (s *Store) UpsertMistake(ctx context.Context, e model.MistakeEntry) error {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mistakes (student_id, question_id, region, snapshot, missed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(student_id, question_id) DO UPDATE SET region = excluded.region,
		 snapshot = excluded.snapshot, missed_at = excluded.missed_at`,
		e.StudentID, e.QuestionID, e.Region, string(snapshot), e.MissedAt.UTC(),
	)
	return err
}

// ListMistakes returns a student's mistake entries, most recent first.
func (s *Store) ListMistakes(ctx context.Context, studentID string) ([]model.MistakeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, question_id, region, snapshot, missed_at
		 FROM mistakes WHERE student_id = ? ORDER BY missed_at DESC, id DESC`, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.MistakeEntry
	for rows.Next() {
		var (
			e        model.MistakeEntry
			snapshot string
		)
		if err := rows.Scan(&e.StudentID, &e.QuestionID, &e.Region, &snapshot, &e.MissedAt); err != nil {
			return nil, err
		}
		if snapshot != "" {
			if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
				slog.Warn("bad mistake snapshot", "student_id", studentID, "question_id", e.QuestionID, "error", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
