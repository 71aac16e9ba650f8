package problem

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/pavelanni/grader/internal/calc"
	"github.com/pavelanni/grader/internal/sandbox"
)

// Runner executes sandbox jobs for code responses and python scripts.
type Runner interface {
	Run(ctx context.Context, job sandbox.Job) (sandbox.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job sandbox.Job) (sandbox.Result, error)

func (f RunnerFunc) Run(ctx context.Context, job sandbox.Job) (sandbox.Result, error) {
	return f(ctx, job)
}

// Verdict is a plug-in grader's decision on one submission.
type Verdict struct {
	Correct bool
	Score   float64
	Msg     string
}

// PluginGrader grades responses of one kind in place of the built-in grader.
type PluginGrader interface {
	Grade(ctx context.Context, resp *Response, submission string) (Verdict, error)
}

// Field is the host-facing view of one response.
type Field struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Value       string      `json:"value"`
	Correctness Correctness `json:"correctness,omitempty"`
	Msg         string      `json:"msg,omitempty"`
	Optional    bool        `json:"optional,omitempty"`
	Prompt      string      `json:"prompt,omitempty"`
}

// Option configures an Instance.
type Option func(*Instance)

// WithLoader sets the resource loader used for code grader files.
func WithLoader(l Loader) Option {
	return func(in *Instance) { in.loader = l }
}

// WithRunner replaces the process-wide sandbox as the executor of code.
func WithRunner(r Runner) Option {
	return func(in *Instance) { in.runner = r }
}

// WithPlugin grades every response of kind with g.
func WithPlugin(kind Kind, g PluginGrader) Option {
	return func(in *Instance) { in.plugins[kind] = g }
}

// Instance is a problem definition bound to one student's state. It is not
// safe for concurrent use.
type Instance struct {
	def     *Definition
	state   *State
	rng     *rand.Rand
	actx    *authorContext
	envs    map[bool]*calc.Env
	lua     *lua.LState
	loader  Loader
	runner  Runner
	plugins map[Kind]PluginGrader
}

const (
	scriptStream = 0x5c41f7
	gradeStream  = 0x6a09e667
)

// New builds an instance. A nil state gets a fresh random seed. Author
// scripts run here, once.
func New(ctx context.Context, def *Definition, state *State, opts ...Option) (*Instance, error) {
	if state == nil {
		state = NewState(NewSeed())
	}
	in := &Instance{
		def:     def,
		state:   state,
		rng:     rand.New(rand.NewPCG(uint64(state.Seed), scriptStream)),
		envs:    make(map[bool]*calc.Env, 2),
		runner:  RunnerFunc(sandbox.Run),
		plugins: make(map[Kind]PluginGrader),
	}
	for _, opt := range opts {
		opt(in)
	}
	actx, err := in.runScripts(ctx)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.actx = actx
	return in, nil
}

// Close releases the script interpreter.
func (in *Instance) Close() {
	if in.lua != nil {
		in.lua.Close()
		in.lua = nil
	}
}

// Definition returns the problem definition.
func (in *Instance) Definition() *Definition { return in.def }

// State returns the state the instance is bound to.
func (in *Instance) State() *State { return in.state }

// Seed returns the seed everything random in the instance derives from.
func (in *Instance) Seed() uint32 { return in.state.Seed }

// Vars returns the numeric values defined by author scripts.
func (in *Instance) Vars() map[string]complex128 {
	out := make(map[string]complex128, len(in.actx.vars))
	for k, v := range in.actx.vars {
		out[k] = v
	}
	return out
}

// authorEnv is the evaluation context for reference answers: defaults plus
// everything the author scripts defined.
func (in *Instance) authorEnv(caseSensitive bool) *calc.Env {
	env, ok := in.envs[caseSensitive]
	if !ok {
		env = calc.NewEnv(in.actx.vars, in.actx.funcs, caseSensitive)
		in.envs[caseSensitive] = env
	}
	return env
}

// Fields lists every response with its saved value and last grade.
func (in *Instance) Fields() []Field {
	fields := make([]Field, 0, len(in.def.Responses))
	for _, r := range in.def.Responses {
		fields = append(fields, Field{
			ID:          r.ID,
			Kind:        r.Kind,
			Value:       in.state.Answers[r.ID],
			Correctness: in.state.CorrectMap[r.ID],
			Msg:         in.state.Messages[r.ID],
			Optional:    r.Optional,
			Prompt:      r.Prompt,
		})
	}
	return fields
}

// Answers returns the reference answer of every response that has one.
func (in *Instance) Answers() map[string]string {
	out := make(map[string]string, len(in.def.Responses))
	for _, r := range in.def.Responses {
		switch {
		case r.Kind == KindNumerical && r.expr != nil:
			v, err := r.expr.Eval(in.authorEnv(r.CaseSensitive))
			if err != nil {
				slog.Warn("reference answer failed to evaluate", "response", r.ID, "error", err)
				out[r.ID] = r.Answer
				continue
			}
			out[r.ID] = formatNumber(v)
		case r.Answer != "":
			out[r.ID] = r.Answer
		}
	}
	return out
}

func formatNumber(v complex128) string {
	if imag(v) == 0 {
		return strconv.FormatFloat(real(v), 'g', -1, 64)
	}
	return fmt.Sprintf("%g", v)
}
