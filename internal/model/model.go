package model

import (
	"context"
	"time"

	"github.com/pavelanni/grader/internal/lifecycle"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsStaff reports whether the user may act on other students' problems.
func (u *User) IsStaff() bool {
	return u.Role == UserRoleTeacher || u.Role == UserRoleAdmin
}

// Actor converts the user into the lifecycle policy triple. A nil user is
// the anonymous actor.
func (u *User) Actor() lifecycle.Actor {
	if u == nil {
		return lifecycle.Actor{}
	}
	return lifecycle.Actor{
		UserID:          u.ID,
		IsAuthenticated: true,
		IsStaff:         u.IsStaff(),
		Inactive:        !u.Active,
	}
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ProblemRecord is a stored problem definition.
type ProblemRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateRecord is one student's opaque problem state plus the summary
// columns the host keeps for listing and export.
type StateRecord struct {
	ProblemID string    `json:"problem_id"`
	UserID    int64     `json:"user_id"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	Done      bool      `json:"done"`
	Score     float64   `json:"score"`
	MaxScore  float64   `json:"max_score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	SecureCookies   bool   // Set Secure flag on cookies (disable for local dev)
	RequireComplete bool   // Grade missing answers as incorrect
	ChargeInvalid   bool   // Unparseable answers still use up an attempt
	ProblemsDir     string // Directory resolving script and grader file references
	AllowedOrigins  []string
}

// ProblemImport describes a definition file read by the import command.
type ProblemImport struct {
	ID     string
	Path   string
	Source string
	Hash   string
}
