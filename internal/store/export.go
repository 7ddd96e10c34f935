package store

import (
	"context"
	"fmt"

	"github.com/zhixue/practice/internal/model"
)

// ExportAttempts builds export-ready results for every student.
func (s *Store) ExportAttempts(ctx context.Context) ([]model.StudentResult, error) {
	students, err := s.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}

	var results []model.StudentResult
	for _, st := range students {
		attempts, err := s.ListAttempts(ctx, st.ID)
		if err != nil {
			return nil, fmt.Errorf("list attempts of %s: %w", st.ID, err)
		}
		if len(attempts) == 0 {
			continue
		}

		res := model.StudentResult{
			StudentID: st.ID,
			Name:      st.Name,
			ClassName: st.ClassName,
		}
		for i, a := range attempts {
			res.Attempts = append(res.Attempts, model.AttemptResult{
				AttemptNumber:  i + 1,
				Region:         a.Region,
				Score:          a.Score,
				MaxScore:       a.MaxScore,
				TotalQuestions: a.TotalQuestions,
				DurationSec:    a.DurationSec,
				SubmittedAt:    a.SubmittedAt,
				Items:          a.Items,
			})
		}
		results = append(results, res)
	}
	return results, nil
}
