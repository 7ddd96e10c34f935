package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zhixue/practice/internal/model"
)

// SaveAttempt appends an attempt. The attempt row must be written; item rows
// are written one by one and their failures are only logged.
func (s *Store) SaveAttempt(ctx context.Context, a model.Attempt) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, student_id, region, score, max_score, total_questions, duration_sec, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StudentID, a.Region, a.Score, a.MaxScore, a.TotalQuestions, a.DurationSec, a.SubmittedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert attempt: %w", err)
	}

	for i, item := range a.Items {
		var grading string
		if item.Grading != nil {
			data, err := json.Marshal(item.Grading)
			if err == nil {
				grading = string(data)
			}
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO attempt_items (attempt_id, position, question_id, user_answer, is_correct, score, max_score, grading)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, i, item.QuestionID, item.UserAnswer, item.IsCorrect, item.Score, item.MaxScore, grading,
		)
		if err != nil {
			slog.Warn("failed to save attempt item",
				"attempt_id", a.ID, "question_id", item.QuestionID, "error", err)
		}
	}
	return a.ID, nil
}

// CountAttempts counts a student's attempts submitted in [from, to).
func (s *Store) CountAttempts(ctx context.Context, studentID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE student_id = ? AND submitted_at >= ? AND submitted_at < ?`,
		studentID, from.UTC(), to.UTC(),
	).Scan(&n)
	return n, err
}

// ListAttempts returns a student's attempts, oldest first, with their items.
func (s *Store) ListAttempts(ctx context.Context, studentID string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_id, region, score, max_score, total_questions, duration_sec, submitted_at
		 FROM attempts WHERE student_id = ? ORDER BY submitted_at, id`, studentID,
	)
	if err != nil {
		return nil, err
	}
	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.StudentID, &a.Region, &a.Score, &a.MaxScore,
			&a.TotalQuestions, &a.DurationSec, &a.SubmittedAt); err != nil {
			rows.Close()
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range attempts {
		items, err := s.attemptItems(ctx, attempts[i].ID)
		if err != nil {
			return nil, fmt.Errorf("items of attempt %s: %w", attempts[i].ID, err)
		}
		attempts[i].Items = items
	}
	return attempts, nil
}

func (s *Store) attemptItems(ctx context.Context, attemptID string) ([]model.AttemptItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, user_answer, is_correct, score, max_score, grading
		 FROM attempt_items WHERE attempt_id = ? ORDER BY position`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.AttemptItem
	for rows.Next() {
		var (
			it      model.AttemptItem
			grading string
		)
		if err := rows.Scan(&it.QuestionID, &it.UserAnswer, &it.IsCorrect, &it.Score, &it.MaxScore, &grading); err != nil {
			return nil, err
		}
		if grading != "" {
			var g model.GradingOutcome
			if err := json.Unmarshal([]byte(grading), &g); err == nil {
				it.Grading = &g
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Stats returns aggregate numbers for the administrative view. Attempts
// submitted in [dayStart, dayEnd) count as today's.
func (s *Store) Stats(ctx context.Context, dayStart, dayEnd time.Time) (model.AdminStats, error) {
	var st model.AdminStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students`).Scan(&st.Students); err != nil {
		return st, err
	}
	var avg *float64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(score) FROM attempts`,
	).Scan(&st.Attempts, &avg); err != nil {
		return st, err
	}
	if avg != nil {
		st.AverageScore = *avg
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE submitted_at >= ? AND submitted_at < ?`,
		dayStart.UTC(), dayEnd.UTC(),
	).Scan(&st.AttemptsToday); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mistakes`).Scan(&st.Mistakes); err != nil {
		return st, err
	}
	return st, nil
}
