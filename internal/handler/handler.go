package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/lifecycle"
	"github.com/pavelanni/grader/internal/metrics"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/problem"
	"github.com/pavelanni/grader/internal/store"
)

var errNotFound = errors.New("not found")

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	states store.StateStore
	config model.ServerConfig
	opts   []lifecycle.Option

	locksMu sync.Mutex
	locks   map[string]*stateLock // "problem/user"
}

type stateLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a new Handler. States default to the SQL store when states is nil.
func New(s *store.Store, states store.StateStore, cfg model.ServerConfig, opts ...lifecycle.Option) *Handler {
	if states == nil {
		states = s
	}
	base := []lifecycle.Option{
		lifecycle.WithRequireComplete(cfg.RequireComplete),
		lifecycle.WithChargeInvalid(cfg.ChargeInvalid),
	}
	if cfg.ProblemsDir != "" {
		base = append(base, lifecycle.WithLoader(problem.DirLoader(cfg.ProblemsDir)))
	}
	return &Handler{
		store:  s,
		states: states,
		config: cfg,
		opts:   append(base, opts...),
		locks:  make(map[string]*stateLock),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(metrics.Middleware)
	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/problems", h.handleListProblems)
		r.Get("/problems/{id}", h.handleGetProblem)
		r.Post("/problems/{id}/check", h.handleCheck)
		r.Post("/problems/{id}/save", h.handleSave)
		r.Post("/problems/{id}/reset", h.handleReset)
		r.Get("/problems/{id}/answer", h.handleShowAnswer)
		r.Post("/preview", h.handlePreview)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			r.Post("/problems", h.handleUploadProblem)
			r.Get("/problems/{id}/students", h.handleListStudentStates)
			r.Post("/problems/{id}/students/{userID}/reset", h.handleStaffReset)
			r.Post("/problems/{id}/students/{userID}/rescore", h.handleStaffRescore)
			r.Get("/export", h.handleExport)
			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
			r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// problemView is what a student sees of a problem.
type problemView struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Status          lifecycle.Status `json:"status"`
	Attempts        int              `json:"attempts"`
	AttemptsLeft    *int             `json:"attempts_left,omitempty"`
	AttemptsNote    string           `json:"attempts_note"`
	AnswerAvailable bool             `json:"answer_available"`
	Score           float64          `json:"score"`
	MaxScore        float64          `json:"max_score"`
	Fields          []problem.Field  `json:"fields"`
}

func (h *Handler) view(ctx context.Context, rec *model.ProblemRecord, c *lifecycle.Controller) problemView {
	earned, possible := c.Score()
	v := problemView{
		ID:              rec.ID,
		Name:            rec.Name,
		Status:          c.Status(),
		Attempts:        c.Attempts(),
		AnswerAvailable: c.AnswerAvailable(),
		Score:           earned,
		MaxScore:        possible,
		Fields:          c.Fields(),
	}
	if left, limited := c.AttemptsLeft(); limited {
		v.AttemptsLeft = &left
		v.AttemptsNote = appI18n.Tp(ctx, "AttemptsLeft", left)
	} else {
		v.AttemptsNote = appI18n.T(ctx, "UnlimitedAttempts")
	}
	return v
}

// lockState serializes access to one student's state on one problem. The
// entry is dropped once no request holds or waits for it.
func (h *Handler) lockState(problemID string, userID int64) func() {
	key := fmt.Sprintf("%s/%d", problemID, userID)

	h.locksMu.Lock()
	l, ok := h.locks[key]
	if !ok {
		l = &stateLock{}
		h.locks[key] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, key)
		}
		h.locksMu.Unlock()
	}
}

func (h *Handler) lockCount() int {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	return len(h.locks)
}

// openProblem restores the controller for owner's state on problem id, acting
// as actor. A first visit stores the freshly seeded state so the student keeps
// seeing the same variant. Callers hold lockState.
func (h *Handler) openProblem(ctx context.Context, id string, owner int64, actor lifecycle.Actor) (*model.ProblemRecord, *lifecycle.Controller, error) {
	rec, err := h.store.GetProblem(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get problem %s: %w", id, err)
	}
	if rec == nil {
		return nil, nil, errNotFound
	}
	def, err := problem.LoadDefinition(strings.NewReader(rec.Source), h.loader())
	if err != nil {
		return nil, nil, fmt.Errorf("load problem %s: %w", id, err)
	}

	var blob string
	st, err := h.states.LoadState(ctx, id, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	if st != nil {
		blob = st.State
	}
	c, err := lifecycle.New(ctx, def, blob, actor, h.opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("restore problem %s: %w", id, err)
	}
	if st == nil {
		if err := h.persist(ctx, id, owner, c); err != nil {
			c.Close()
			return nil, nil, err
		}
	}
	return rec, c, nil
}

func (h *Handler) loader() problem.Loader {
	if h.config.ProblemsDir == "" {
		return nil
	}
	return problem.DirLoader(h.config.ProblemsDir)
}

// persist writes the controller's state back for owner.
func (h *Handler) persist(ctx context.Context, id string, owner int64, c *lifecycle.Controller) error {
	blob, err := c.State()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	earned, possible := c.Score()
	return h.states.SaveState(ctx, model.StateRecord{
		ProblemID: id,
		UserID:    owner,
		State:     blob,
		Attempts:  c.Attempts(),
		Done:      c.Done(),
		Score:     earned,
		MaxScore:  possible,
	})
}

func (h *Handler) handleListProblems(w http.ResponseWriter, r *http.Request) {
	problems, err := h.store.ListProblems(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if problems == nil {
		problems = []model.ProblemRecord{}
	}
	writeJSON(w, http.StatusOK, problems)
}

func (h *Handler) handleGetProblem(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")
	defer h.lockState(id, user.ID)()

	rec, c, err := h.openProblem(r.Context(), id, user.ID, user.Actor())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer c.Close()
	writeJSON(w, http.StatusOK, h.view(r.Context(), rec, c))
}

type answersRequest struct {
	Answers map[string]string `json:"answers"`
}

// mutate runs fn on the current user's controller and persists the state
// when fn succeeds.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, c *lifecycle.Controller) (any, error)) {
	user := model.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")
	defer h.lockState(id, user.ID)()

	_, c, err := h.openProblem(r.Context(), id, user.ID, user.Actor())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer c.Close()

	out, err := fn(r.Context(), c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.persist(r.Context(), id, user.ID, c); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req answersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeBadRequest(w, r, err)
		return
	}
	h.mutate(w, r, func(ctx context.Context, c *lifecycle.Controller) (any, error) {
		return c.Check(ctx, req.Answers)
	})
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	var req answersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeBadRequest(w, r, err)
		return
	}
	h.mutate(w, r, func(_ context.Context, c *lifecycle.Controller) (any, error) {
		return c.Save(req.Answers)
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, c *lifecycle.Controller) (any, error) {
		fields, err := c.Reset(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"fields": fields}, nil
	})
}

func (h *Handler) handleShowAnswer(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")
	defer h.lockState(id, user.ID)()

	_, c, err := h.openProblem(r.Context(), id, user.ID, user.Actor())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer c.Close()

	answers, err := c.ShowAnswer()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}
