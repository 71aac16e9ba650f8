package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// ExportStates builds the gradebook of every problem and every student
// state stored for it.
func (s *Store) ExportStates(ctx context.Context) (*model.GradebookExport, error) {
	problems, err := s.ListProblems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}

	users := make(map[int64]*model.User)
	export := &model.GradebookExport{ExportedAt: time.Now().UTC()}
	for _, p := range problems {
		states, err := s.ListStates(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list states of %s: %w", p.ID, err)
		}

		result := model.ProblemResult{ProblemID: p.ID, Name: p.Name, Students: []model.StudentResult{}}
		for _, st := range states {
			u, ok := users[st.UserID]
			if !ok {
				u, err = s.GetUserByID(ctx, st.UserID)
				if err != nil {
					return nil, fmt.Errorf("get user %d: %w", st.UserID, err)
				}
				users[st.UserID] = u
			}

			var username, displayName string
			if u != nil {
				username = u.Username
				displayName = u.DisplayName
			}

			raw := json.RawMessage(st.State)
			if !json.Valid(raw) {
				raw = nil
			}
			result.Students = append(result.Students, model.StudentResult{
				Username:    username,
				DisplayName: displayName,
				Attempts:    st.Attempts,
				Done:        st.Done,
				Score:       st.Score,
				MaxScore:    st.MaxScore,
				UpdatedAt:   st.UpdatedAt,
				State:       raw,
			})
		}
		export.Problems = append(export.Problems, result)
	}
	return export, nil
}
