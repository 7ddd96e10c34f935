package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhixue/practice/internal/model"
)

// SaveStudent returns the student with the given name and class, creating
// it on first login.
func (s *Store) SaveStudent(ctx context.Context, name, className string) (*model.Student, error) {
	name = strings.TrimSpace(name)
	className = strings.TrimSpace(className)

	st, err := s.studentByName(ctx, name, className)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	st = &model.Student{
		ID:        uuid.NewString(),
		Name:      name,
		ClassName: className,
		Role:      model.RoleStudent,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO students (id, name, class_name, role, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name, class_name) DO NOTHING`,
		st.ID, st.Name, st.ClassName, st.Role, st.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to create student", "name", name, "class_name", className, "error", err)
		return nil, err
	}
	// A concurrent login may have won the insert.
	st, err = s.studentByName(ctx, name, className)
	if err != nil {
		return nil, err
	}
	slog.Info("student ready", "id", st.ID, "name", st.Name, "class_name", st.ClassName)
	return st, nil
}

func (s *Store) studentByName(ctx context.Context, name, className string) (*model.Student, error) {
	var st model.Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, class_name, role, created_at FROM students WHERE name = ? AND class_name = ?`,
		name, className,
	).Scan(&st.ID, &st.Name, &st.ClassName, &st.Role, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(ctx context.Context, id string) (*model.Student, error) {
	var st model.Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, class_name, role, created_at FROM students WHERE id = ?`, id,
	).Scan(&st.ID, &st.Name, &st.ClassName, &st.Role, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStudents returns all students ordered by class and name.
func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, class_name, role, created_at FROM students ORDER BY class_name, name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.ClassName, &st.Role, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}
