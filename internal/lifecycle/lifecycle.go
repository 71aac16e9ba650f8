// Package lifecycle gates student actions on a problem: check, save, reset
// and show answer, plus the staff-only overrides.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/metrics"
	"github.com/pavelanni/grader/internal/problem"
)

// Actor is who is performing an action.
type Actor struct {
	UserID          int64
	IsAuthenticated bool
	IsStaff         bool
	// Inactive marks a suspended account. It only matters for staff
	// operations; the zero value is an active user.
	Inactive bool
}

// Status is the coarse lifecycle state of a problem for one student.
type Status string

const (
	StatusFresh     Status = "fresh"
	StatusSubmitted Status = "submitted"
	StatusClosed    Status = "closed"
)

// Clock returns the current time.
type Clock func() time.Time

// CheckResult is returned by Check and Rescore.
type CheckResult struct {
	CorrectMap *problem.CorrectnessMap `json:"correct_map"`
	AllCorrect bool                    `json:"all_correct"`
	Attempts   int                     `json:"attempts"`
}

// SaveResult is returned by Save.
type SaveResult struct {
	OK bool `json:"ok"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithRequireComplete makes missing required answers grade as incorrect
// instead of unanswered. Default true.
func WithRequireComplete(v bool) Option {
	return func(c *Controller) { c.requireComplete = v }
}

// WithChargeInvalid controls whether a check containing unparseable answers
// consumes an attempt. Default true.
func WithChargeInvalid(v bool) Option {
	return func(c *Controller) { c.chargeInvalid = v }
}

// WithClock replaces time.Now for due date checks.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.now = clock }
}

// WithLoader is passed through to the problem instance.
func WithLoader(l problem.Loader) Option {
	return func(c *Controller) { c.instOpts = append(c.instOpts, problem.WithLoader(l)) }
}

// WithRunner is passed through to the problem instance.
func WithRunner(r problem.Runner) Option {
	return func(c *Controller) { c.instOpts = append(c.instOpts, problem.WithRunner(r)) }
}

// WithPlugin is passed through to the problem instance.
func WithPlugin(kind problem.Kind, g problem.PluginGrader) Option {
	return func(c *Controller) { c.instOpts = append(c.instOpts, problem.WithPlugin(kind, g)) }
}

// Controller applies one actor's actions to one problem state. It is not
// safe for concurrent use; hosts serialize requests per student and problem.
type Controller struct {
	def   *problem.Definition
	actor Actor
	inst  *problem.Instance

	requireComplete bool
	chargeInvalid   bool
	now             Clock
	instOpts        []problem.Option
}

// New restores the controller from an opaque state blob. An empty blob starts
// a fresh state with a random seed.
func New(ctx context.Context, def *problem.Definition, blob string, actor Actor, opts ...Option) (*Controller, error) {
	c := &Controller{
		def:             def,
		actor:           actor,
		requireComplete: true,
		chargeInvalid:   true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	st, err := problem.ParseState(blob)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = problem.NewState(problem.NewSeed())
	}
	c.inst, err = problem.New(ctx, def, st, c.instOpts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the problem instance.
func (c *Controller) Close() { c.inst.Close() }

func (c *Controller) state() *problem.State { return c.inst.State() }

// State serializes the current problem state.
func (c *Controller) State() (string, error) { return c.state().Marshal() }

// Fields returns the renderable responses.
func (c *Controller) Fields() []problem.Field { return c.inst.Fields() }

// Attempts is the number of graded checks.
func (c *Controller) Attempts() int { return c.state().Attempts }

// Done reports whether the last check graded every required response.
func (c *Controller) Done() bool { return c.state().Done }

// AttemptsLeft returns the remaining attempts and false when attempts are unlimited.
func (c *Controller) AttemptsLeft() (int, bool) {
	if c.def.MaxAttempts == nil {
		return 0, false
	}
	return max(0, *c.def.MaxAttempts-c.state().Attempts), true
}

// Closed reports whether attempts are used up or the due date, plus grace
// period, has passed.
func (c *Controller) Closed() bool {
	if m := c.def.MaxAttempts; m != nil && c.state().Attempts >= *m {
		return true
	}
	if d := c.def.Due; d != nil && c.now().After(d.Add(c.def.GracePeriod)) {
		return true
	}
	return false
}

// AnswerAvailable applies the definition's show-answer policy. Staff can
// always see answers.
func (c *Controller) AnswerAvailable() bool {
	if c.actor.IsStaff {
		return true
	}
	switch c.def.ShowAnswer {
	case problem.ShowAlways:
		return true
	case problem.ShowAttempted:
		return c.state().Attempts > 0
	case problem.ShowAnswered:
		return c.state().Done
	case problem.ShowClosed:
		return c.Closed()
	default:
		return false
	}
}

// Status reports Closed, Submitted or Fresh, in that order of precedence.
func (c *Controller) Status() Status {
	switch {
	case c.Closed():
		return StatusClosed
	case c.state().Done:
		return StatusSubmitted
	default:
		return StatusFresh
	}
}

// Score sums the recorded points against the points available.
func (c *Controller) Score() (earned, possible float64) {
	for _, r := range c.def.Responses {
		possible += r.MaxPoints
		earned += c.state().Scores[r.ID]
	}
	return earned, possible
}

// canSubmit holds for both check and save.
func (c *Controller) canSubmit(action string) error {
	if c.Closed() {
		return forbidden(action, ReasonClosed)
	}
	if c.state().Done && c.def.Rerandomize {
		return forbidden(action, ReasonResetRequired)
	}
	return nil
}

func observe(action string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, ErrPermissionDenied):
		outcome = "denied"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveAction(action, outcome)
}

func hasAnswers(answers map[string]string) bool {
	for _, v := range answers {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Check grades answers and records the outcome. A check without any
// non-empty answer grades nothing and leaves the state untouched.
func (c *Controller) Check(ctx context.Context, answers map[string]string) (res *CheckResult, err error) {
	defer func() { observe("check", err) }()
	if err := c.canSubmit("check"); err != nil {
		return nil, err
	}

	st := c.state()
	if !hasAnswers(answers) {
		cm := c.inst.Grade(ctx, nil, false)
		return &CheckResult{CorrectMap: cm, Attempts: st.Attempts}, nil
	}

	cm := c.inst.Grade(ctx, answers, c.requireComplete)
	c.storeAnswers(answers)
	st.Record(cm)
	if c.chargeInvalid || !cm.HasInvalid() {
		st.Attempts++
		st.Done = cm.Complete()
	}

	earned, possible := cm.Score()
	slog.Info("problem checked", "problem", c.def.Name, "user_id", c.actor.UserID,
		"attempts", st.Attempts, "all_correct", cm.AllCorrect(), "score", earned, "max_score", possible)
	return &CheckResult{CorrectMap: cm, AllCorrect: cm.AllCorrect(), Attempts: st.Attempts}, nil
}

// storeAnswers merges submitted values for declared responses into the state.
func (c *Controller) storeAnswers(answers map[string]string) {
	st := c.state()
	for id, v := range answers {
		if c.def.Response(id) != nil {
			st.Answers[id] = v
		}
	}
}

// Save stores answers without grading them.
func (c *Controller) Save(answers map[string]string) (res *SaveResult, err error) {
	defer func() { observe("save", err) }()
	if err := c.canSubmit("save"); err != nil {
		return nil, err
	}
	c.storeAnswers(answers)
	slog.Debug("answers saved", "problem", c.def.Name, "user_id", c.actor.UserID)
	return &SaveResult{OK: true}, nil
}

// Reset returns a submitted problem to Fresh. With rerandomize the instance
// is rebuilt from a new seed; otherwise answers and grades are cleared.
// Attempts are kept.
func (c *Controller) Reset(ctx context.Context) (fields []problem.Field, err error) {
	defer func() { observe("reset", err) }()
	if c.Closed() {
		return nil, forbidden("reset", ReasonClosed)
	}
	if !c.state().Done {
		return nil, forbidden("reset", ReasonNotSubmitted)
	}
	if err := c.rebuild(ctx, c.state().Attempts); err != nil {
		return nil, err
	}
	return c.inst.Fields(), nil
}

// rebuild replaces the instance with one over a cleared state.
func (c *Controller) rebuild(ctx context.Context, attempts int) error {
	st := c.state().Clone()
	st.ClearGrades()
	st.Attempts = attempts
	if c.def.Rerandomize {
		st.Seed = freshSeed(st.Seed)
	}
	inst, err := problem.New(ctx, c.def, st, c.instOpts...)
	if err != nil {
		return fmt.Errorf("rebuild problem: %w", err)
	}
	c.inst.Close()
	c.inst = inst
	return nil
}

func freshSeed(old uint32) uint32 {
	for {
		if s := problem.NewSeed(); s != old {
			return s
		}
	}
}

// ShowAnswer returns the reference answers when the policy allows it.
func (c *Controller) ShowAnswer() (answers map[string]string, err error) {
	defer func() { observe("show_answer", err) }()
	if !c.AnswerAvailable() {
		return nil, forbidden("show_answer", ReasonAnswerWithheld)
	}
	return c.inst.Answers(), nil
}

// RequireStaff fails with ErrPermissionDenied unless actor is an active,
// authenticated staff member.
func RequireStaff(actor Actor) error {
	if !actor.IsAuthenticated || actor.Inactive || !actor.IsStaff {
		return fmt.Errorf("%w: staff role required", ErrPermissionDenied)
	}
	return nil
}

// ClearAttempts is the staff override of Reset: it works on closed problems
// and also zeroes the attempt count.
func (c *Controller) ClearAttempts(ctx context.Context, staff Actor) (fields []problem.Field, err error) {
	defer func() { observe("clear_attempts", err) }()
	if err := RequireStaff(staff); err != nil {
		return nil, err
	}
	if err := c.rebuild(ctx, 0); err != nil {
		return nil, err
	}
	slog.Info("attempts cleared", "problem", c.def.Name, "user_id", c.actor.UserID, "staff_id", staff.UserID)
	return c.inst.Fields(), nil
}

// Rescore regrades the stored answers, for example after the definition was
// corrected. Attempts are not charged.
func (c *Controller) Rescore(ctx context.Context, staff Actor) (res *CheckResult, err error) {
	defer func() { observe("rescore", err) }()
	if err := RequireStaff(staff); err != nil {
		return nil, err
	}
	st := c.state()
	if !st.Done {
		return nil, forbidden("rescore", ReasonNotSubmitted)
	}
	cm := c.inst.Grade(ctx, st.Answers, c.requireComplete)
	st.Record(cm)
	st.Done = cm.Complete()
	slog.Info("problem rescored", "problem", c.def.Name, "user_id", c.actor.UserID, "staff_id", staff.UserID)
	return &CheckResult{CorrectMap: cm, AllCorrect: cm.AllCorrect(), Attempts: st.Attempts}, nil
}
