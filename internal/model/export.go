package model

import (
	"encoding/json"
	"time"
)

// GradebookExport is the top-level JSON structure for result export.
type GradebookExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Problems   []ProblemResult `json:"problems"`
}

// ProblemResult holds every student's state for one problem.
type ProblemResult struct {
	ProblemID string          `json:"problem_id"`
	Name      string          `json:"name"`
	Students  []StudentResult `json:"students"`
}

// StudentResult holds one student's progress on a problem.
type StudentResult struct {
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name"`
	Attempts    int             `json:"attempts"`
	Done        bool            `json:"done"`
	Score       float64         `json:"score"`
	MaxScore    float64         `json:"max_score"`
	UpdatedAt   time.Time       `json:"updated_at"`
	State       json.RawMessage `json:"state"`
}
