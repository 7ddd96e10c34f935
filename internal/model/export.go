package model

import "time"

// AttemptExport is the top-level JSON structure for attempt export.
type AttemptExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one student's attempts for export.
type StudentResult struct {
	StudentID string          `json:"student_id"`
	Name      string          `json:"name"`
	ClassName string          `json:"class_name"`
	Attempts  []AttemptResult `json:"attempts"`
}

// AttemptResult holds per-attempt data for export.
type AttemptResult struct {
	AttemptNumber  int           `json:"attempt_number"`
	Region         Region        `json:"region"`
	Score          float64       `json:"score"`
	MaxScore       float64       `json:"max_score"`
	TotalQuestions int           `json:"total_questions"`
	DurationSec    int           `json:"duration_sec"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	Items          []AttemptItem `json:"items"`
}
