package problem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"strings"

	"github.com/pavelanni/grader/internal/calc"
	"github.com/pavelanni/grader/internal/metrics"
	"github.com/pavelanni/grader/internal/sandbox"
)

// Grade runs every response's grader against answers, in declaration order.
// Missing or blank submissions are unanswered, or incorrect when
// requireComplete is set and the response is not optional. Grade does not
// modify the instance state.
func (in *Instance) Grade(ctx context.Context, answers map[string]string, requireComplete bool) *CorrectnessMap {
	in.rng = rand.New(rand.NewPCG(uint64(in.state.Seed), gradeStream))
	cm := newCorrectnessMap(len(in.def.Responses))
	for _, r := range in.def.Responses {
		sub, ok := answers[r.ID]
		if !ok || blank(sub) {
			e := entryFor(r)
			if requireComplete && !r.Optional {
				e.Correctness = Incorrect
				e.Msg = "no answer given"
			}
			cm.set(e)
			continue
		}
		e := in.gradeOne(ctx, r, sub)
		metrics.ObserveGrade(string(r.Kind), string(e.Correctness))
		cm.set(e)
	}
	return cm
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func entryFor(r *Response) Entry {
	return Entry{
		ID:          r.ID,
		Kind:        r.Kind,
		Correctness: Unanswered,
		MaxPoints:   r.MaxPoints,
		Optional:    r.Optional,
	}
}

func (in *Instance) gradeOne(ctx context.Context, r *Response, sub string) Entry {
	if g, ok := in.plugins[r.Kind]; ok {
		return in.gradePlugin(ctx, g, r, sub)
	}
	switch r.Kind {
	case KindNumerical:
		return in.gradeNumerical(r, sub)
	case KindFormula:
		return in.gradeFormula(r, sub)
	case KindCode:
		return in.gradeCode(ctx, r, sub)
	case KindSchematic:
		return mark(entryFor(r), true)
	default:
		e := entryFor(r)
		e.Correctness = Incorrect
		e.Msg = fmt.Sprintf("no grader configured for %s responses", r.Kind)
		return e
	}
}

func mark(e Entry, correct bool) Entry {
	if correct {
		e.Correctness = Correct
		e.Score = e.MaxPoints
	} else {
		e.Correctness = Incorrect
		e.Score = 0
	}
	return e
}

// rejectSubmission tags a submission the evaluator could not make sense of.
func rejectSubmission(e Entry, err error) Entry {
	e.Correctness = Incorrect
	e.Invalid = errors.Is(err, calc.ErrParse) || errors.Is(err, calc.ErrUndefinedName)
	e.Msg = fmt.Sprintf("could not interpret %q: %v", e.ID, err)
	return e
}

func (in *Instance) referenceFailed(e Entry, err error) Entry {
	slog.Warn("reference answer failed to evaluate", "problem", in.def.Name, "response", e.ID, "error", err)
	e.Correctness = Incorrect
	e.Msg = "the reference answer could not be evaluated"
	return e
}

func (in *Instance) gradeNumerical(r *Response, sub string) Entry {
	e := entryFor(r)
	got, err := calc.Evaluate(sub, nil, nil, false)
	if err != nil {
		return rejectSubmission(e, err)
	}
	env := in.authorEnv(r.CaseSensitive)

	if iv := r.interval; iv != nil {
		lo, err := iv.Low.Eval(env)
		if err != nil {
			return in.referenceFailed(e, err)
		}
		hi, err := iv.High.Eval(env)
		if err != nil {
			return in.referenceFailed(e, err)
		}
		return mark(e, inInterval(got, real(lo), real(hi), iv))
	}

	ref, err := r.expr.Eval(env)
	if err != nil {
		return in.referenceFailed(e, err)
	}
	return mark(e, r.Tolerance.Within(got, ref))
}

func inInterval(v complex128, lo, hi float64, iv *Interval) bool {
	if imag(v) != 0 || math.IsNaN(real(v)) {
		return false
	}
	x := real(v)
	above := x > lo || (iv.LowInclusive && x == lo)
	below := x < hi || (iv.HighInclusive && x == hi)
	return above && below
}

func (in *Instance) gradeFormula(r *Response, sub string) Entry {
	e := entryFor(r)
	student, err := calc.Parse(sub)
	if err != nil {
		return rejectSubmission(e, err)
	}
	studentEnv := calc.NewEnv(nil, nil, r.CaseSensitive)
	authorEnv := in.authorEnv(r.CaseSensitive)

	samples := r.Samples
	if samples == nil {
		samples = &Samples{Count: DefaultSampleCount}
	}
	for _, point := range samples.Points(sampleRNG(in.state.Seed, r.ID)) {
		ref, err := r.expr.Eval(authorEnv.With(point))
		if err != nil {
			return in.referenceFailed(e, err)
		}
		got, err := student.Eval(studentEnv.With(point))
		if err != nil {
			if errors.Is(err, calc.ErrUndefinedName) {
				return rejectSubmission(e, err)
			}
			return mark(e, false)
		}
		if cmplx.IsNaN(got) || cmplx.IsInf(got) || !r.Tolerance.Within(got, ref) {
			return mark(e, false)
		}
	}
	return mark(e, true)
}

type codeRequest struct {
	GraderPayload   string `json:"grader_payload"`
	StudentResponse string `json:"student_response"`
}

type graderReply struct {
	Correct bool
	Score   float64
	Msg     string
}

func (in *Instance) gradeCode(ctx context.Context, r *Response, sub string) Entry {
	e := entryFor(r)
	fail := func(msg string, args ...any) Entry {
		e.Correctness = Incorrect
		e.Msg = fmt.Sprintf(msg, args...)
		return e
	}

	stdin, err := json.Marshal(codeRequest{GraderPayload: r.Payload, StudentResponse: sub})
	if err != nil {
		return fail("encode grader request: %v", err)
	}
	job := sandbox.Job{Command: r.Command, Code: r.Code, Stdin: stdin}
	if len(r.Files) > 0 {
		if in.loader == nil {
			return fail("grader files are not available")
		}
		job.Blobs = make(map[string][]byte, len(r.Files))
		for _, name := range r.Files {
			data, err := in.loader.Load(name)
			if err != nil {
				slog.Error("load grader file", "problem", in.def.Name, "file", name, "error", err)
				return fail("grader file %s is not available", name)
			}
			job.Blobs[name] = data
		}
	}

	res, err := in.runner.Run(ctx, job)
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return fail("the grader did not finish in time")
	case errors.Is(err, sandbox.ErrNotConfigured):
		return fail("the grader command %q is not configured", r.Command)
	case err != nil:
		slog.Error("code grader failed", "problem", in.def.Name, "response", r.ID, "error", err)
		return fail("the grader could not be run")
	case res.Status != 0:
		slog.Warn("code grader exited non-zero", "problem", in.def.Name, "response", r.ID,
			"status", res.Status, "stderr", res.Stderr)
		return fail("the grader exited with status %d", res.Status)
	}

	reply, err := parseGraderReply(res.Stdout)
	if err != nil {
		slog.Warn("code grader reply rejected", "problem", in.def.Name, "response", r.ID, "error", err)
		return fail("%v", err)
	}
	e = mark(e, reply.Correct)
	e.Score = clampScore(reply.Score, r.MaxPoints)
	e.Msg = reply.Msg
	return e
}

// parseGraderReply decodes {"correct": bool, "score": number, "msg": string}.
// All three keys are required.
func parseGraderReply(out string) (graderReply, error) {
	var reply graderReply
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &raw); err != nil {
		return reply, fmt.Errorf("%w: not a JSON object", ErrInvalidGraderReply)
	}
	for _, f := range []struct {
		key string
		dst any
	}{
		{"correct", &reply.Correct},
		{"score", &reply.Score},
		{"msg", &reply.Msg},
	} {
		v, ok := raw[f.key]
		if !ok {
			return reply, fmt.Errorf("%w: missing %q", ErrInvalidGraderReply, f.key)
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return reply, fmt.Errorf("%w: %q has the wrong type", ErrInvalidGraderReply, f.key)
		}
	}
	return reply, nil
}

func clampScore(score, maxPoints float64) float64 {
	return math.Max(0, math.Min(score, maxPoints))
}

func (in *Instance) gradePlugin(ctx context.Context, g PluginGrader, r *Response, sub string) Entry {
	e := entryFor(r)
	v, err := g.Grade(ctx, r, sub)
	if err != nil {
		slog.Error("plugin grader failed", "problem", in.def.Name, "response", r.ID, "kind", r.Kind, "error", err)
		e.Correctness = Incorrect
		e.Msg = "the grader is unavailable, try again later"
		return e
	}
	e = mark(e, v.Correct)
	e.Score = clampScore(v.Score, r.MaxPoints)
	e.Msg = v.Msg
	return e
}
