package problem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/grader/internal/sandbox"
)

func mustDefinition(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := LoadDefinition(strings.NewReader(doc), nil)
	require.NoError(t, err)
	return def
}

func newInstance(t *testing.T, def *Definition, seed uint32, opts ...Option) *Instance {
	t.Helper()
	in, err := New(context.Background(), def, NewState(seed), opts...)
	require.NoError(t, err)
	t.Cleanup(in.Close)
	return in
}

func grade(t *testing.T, in *Instance, id, answer string) Entry {
	t.Helper()
	cm := in.Grade(context.Background(), map[string]string{id: answer}, false)
	e, ok := cm.Get(id)
	require.True(t, ok, "no entry for %s", id)
	return e
}

func TestNumericalTolerance(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <numericalresponse id="p1" answer="1/2"><responseparam type="tolerance" default="0.01"/></numericalresponse>
	</problem>`)
	in := newInstance(t, def, 1)

	assert.Equal(t, Correct, grade(t, in, "p1", "0.5001").Correctness)
	assert.Equal(t, Incorrect, grade(t, in, "p1", "0.52").Correctness)
	assert.Equal(t, Correct, grade(t, in, "p1", "1/2").Correctness)
	assert.Equal(t, Correct, grade(t, in, "p1", "500m").Correctness)
}

func TestNumericalFractionalTolerance(t *testing.T) {
	def := mustDefinition(t, `<problem><numericalresponse id="p" answer="200" tolerance="5%"/></problem>`)
	in := newInstance(t, def, 1)

	assert.Equal(t, Correct, grade(t, in, "p", "209").Correctness)
	assert.Equal(t, Incorrect, grade(t, in, "p", "211").Correctness)
}

func TestNumericalInvalidSubmission(t *testing.T) {
	def := mustDefinition(t, `<problem><numericalresponse id="p" answer="1"/></problem>`)
	in := newInstance(t, def, 1)

	e := grade(t, in, "p", "2x")
	assert.Equal(t, Incorrect, e.Correctness)
	assert.True(t, e.Invalid)
	assert.NotEmpty(t, e.Msg)

	e = grade(t, in, "p", "zz+1")
	assert.Equal(t, Incorrect, e.Correctness)
	assert.True(t, e.Invalid, "unknown names are invalid")

	e = grade(t, in, "p", "fact(-1)")
	assert.Equal(t, Incorrect, e.Correctness)
	assert.False(t, e.Invalid, "arithmetic failures are plain wrong answers")
}

func TestNumericalInterval(t *testing.T) {
	def := mustDefinition(t, `<problem><numericalresponse id="p" answer="[0.4, 0.6)"/></problem>`)
	in := newInstance(t, def, 1)

	for answer, want := range map[string]Correctness{
		"0.4":  Correct,
		"0.5":  Correct,
		"0.6":  Incorrect,
		"0.39": Incorrect,
		"j":    Incorrect,
	} {
		assert.Equal(t, want, grade(t, in, "p", answer).Correctness, "answer %q", answer)
	}
	assert.Equal(t, "[0.4, 0.6)", in.Answers()["p"])
}

func TestFormulaEquivalence(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <formularesponse id="f" answer="x+x" samples="x@1:10#3"/>
	  <formularesponse id="g" answer="2*x" samples="x@1:10"/>
	</problem>`)
	for seed := uint32(0); seed < 50; seed++ {
		in := newInstance(t, def, seed)
		assert.Equal(t, Correct, grade(t, in, "f", "2*x").Correctness, "seed %d", seed)
		assert.Equal(t, Correct, grade(t, in, "g", "x+x").Correctness, "seed %d", seed)
		assert.Equal(t, Incorrect, grade(t, in, "f", "x*x").Correctness, "seed %d", seed)
	}
}

func TestFormulaCaseSensitivity(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <formularesponse id="cs" answer="R*I" samples="R,I@1,1:10,10"/>
	  <formularesponse id="ci" answer="R*I" samples="R,I@1,1:10,10" type="ci"/>
	</problem>`)
	in := newInstance(t, def, 7)

	cs := grade(t, in, "cs", "r*i")
	assert.Equal(t, Incorrect, cs.Correctness)
	assert.True(t, cs.Invalid)
	assert.Equal(t, Correct, grade(t, in, "ci", "r*i").Correctness)
}

func TestFormulaRejectsNonFinite(t *testing.T) {
	def := mustDefinition(t, `<problem><formularesponse id="f" answer="1" samples="x@1:2" tolerance="1000"/></problem>`)
	in := newInstance(t, def, 3)

	assert.Equal(t, Incorrect, grade(t, in, "f", "x/0").Correctness)
	assert.Equal(t, Incorrect, grade(t, in, "f", "0/0").Correctness)
}

func TestUnansweredAndRequireComplete(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <numericalresponse id="a" answer="1"/>
	  <numericalresponse id="b" answer="2"/>
	  <schematicresponse id="s" optional="true"/>
	</problem>`)
	in := newInstance(t, def, 1)
	ctx := context.Background()

	cm := in.Grade(ctx, map[string]string{"a": "1", "b": "   "}, false)
	require.Equal(t, 3, cm.Len())
	assert.Equal(t, map[string]Correctness{"a": Correct, "b": Unanswered, "s": Unanswered}, cm.Tags())
	assert.False(t, cm.Complete())
	assert.False(t, cm.AllCorrect())

	cm = in.Grade(ctx, map[string]string{"a": "1"}, true)
	b, _ := cm.Get("b")
	assert.Equal(t, Incorrect, b.Correctness)
	assert.NotEmpty(t, b.Msg)
	s, _ := cm.Get("s")
	assert.Equal(t, Unanswered, s.Correctness, "optional responses stay unanswered")
	assert.True(t, cm.Complete())

	cm = in.Grade(ctx, map[string]string{"a": "1", "b": "2"}, true)
	assert.True(t, cm.AllCorrect())
	earned, possible := cm.Score()
	assert.Equal(t, 2.0, earned)
	assert.Equal(t, 3.0, possible)

	cm = in.Grade(ctx, nil, false)
	for _, e := range cm.Entries() {
		assert.Equal(t, Unanswered, e.Correctness, e.ID)
	}
}

func TestGradeIsDeterministic(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <script>function noisy(x) return x + random(0, 1e-9) end</script>
	  <formularesponse id="f" answer="noisy(x)" samples="x@1:5#10" tolerance="1e-7"/>
	  <numericalresponse id="n" answer="pi"/>
	</problem>`)
	answers := map[string]string{"f": "x", "n": "3.14159"}

	in := newInstance(t, def, 99)
	first := in.Grade(context.Background(), answers, true)
	second := in.Grade(context.Background(), answers, true)
	assert.True(t, first.Equal(second))

	again := newInstance(t, def, 99)
	assert.True(t, first.Equal(again.Grade(context.Background(), answers, true)))

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.True(t, strings.HasPrefix(string(a), `{"f":`), "entries keep declaration order: %s", a)
}

func TestGradeDoesNotTouchState(t *testing.T) {
	def := mustDefinition(t, `<problem><numericalresponse id="a" answer="1"/></problem>`)
	in := newInstance(t, def, 5)
	before, err := in.State().Marshal()
	require.NoError(t, err)

	in.Grade(context.Background(), map[string]string{"a": "1"}, true)

	after, err := in.State().Marshal()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLuaScriptContext(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <script type="lua">
	    k = randint(1, 100)
	    w = math.random()
	    function sq(x) return x * x end
	  </script>
	  <numericalresponse id="p" answer="sq(k)"/>
	</problem>`)

	in := newInstance(t, def, 1234)
	vars := in.Vars()
	k := real(vars["k"])
	require.GreaterOrEqual(t, k, 1.0)
	require.LessOrEqual(t, k, 100.0)
	w := real(vars["w"])
	assert.True(t, w >= 0 && w < 1)
	_, leaked := vars["math"]
	assert.False(t, leaked)

	assert.Equal(t, Correct, grade(t, in, "p", fmt.Sprintf("%g", k*k)).Correctness)
	assert.Equal(t, fmt.Sprintf("%g", k*k), in.Answers()["p"])

	same := newInstance(t, def, 1234)
	assert.Equal(t, vars, same.Vars(), "same seed, same script values")
}

func TestLuaSandboxing(t *testing.T) {
	for name, src := range map[string]string{
		"no io":      `io.write("x")`,
		"no os":      `os.exit(1)`,
		"no require": `require("socket")`,
		"no dofile":  `dofile("/etc/passwd")`,
		"error":      `error("boom")`,
	} {
		t.Run(name, func(t *testing.T) {
			def := mustDefinition(t, "<problem><script>"+src+"</script></problem>")
			_, err := New(context.Background(), def, NewState(1))
			assert.ErrorIs(t, err, ErrScript)
		})
	}
}

func TestLuaRunawayScript(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the script timeout")
	}
	def := mustDefinition(t, `<problem><script>while true do end</script></problem>`)
	_, err := New(context.Background(), def, NewState(1))
	assert.ErrorIs(t, err, ErrScript)
}

// fakeRunner records jobs and replies with a canned result.
type fakeRunner struct {
	jobs   []sandbox.Job
	result sandbox.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, job sandbox.Job) (sandbox.Result, error) {
	f.jobs = append(f.jobs, job)
	return f.result, f.err
}

func TestPythonScript(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <script type="python">print('{"a": 2}')</script>
	  <numericalresponse id="p" answer="a*3"/>
	</problem>`)
	runner := &fakeRunner{result: sandbox.Result{Stdout: `{"a": 2}` + "\n"}}
	in := newInstance(t, def, 77, WithRunner(runner))

	require.Len(t, runner.jobs, 1)
	assert.Equal(t, "python", runner.jobs[0].Command)
	assert.JSONEq(t, `{"seed": 77}`, string(runner.jobs[0].Stdin))
	assert.Equal(t, "6", in.Answers()["p"])

	runner = &fakeRunner{result: sandbox.Result{Stdout: "not json"}}
	_, err := New(context.Background(), def, NewState(1), WithRunner(runner))
	assert.ErrorIs(t, err, ErrScript)

	runner = &fakeRunner{result: sandbox.Result{Status: 1, Stderr: "Traceback"}}
	_, err = New(context.Background(), def, NewState(1), WithRunner(runner))
	assert.ErrorIs(t, err, ErrScript)
}

const codeProblem = `<problem>
  <coderesponse id="c" cmd="python3" files="data.csv" points="4">
    <payload>{"n": 2}</payload>
    <code>print(1)</code>
  </coderesponse>
</problem>`

func TestCodeGrader(t *testing.T) {
	def := mustDefinition(t, codeProblem)
	loader := MapLoader{"data.csv": []byte("1,2\n")}

	runner := &fakeRunner{result: sandbox.Result{Stdout: `{"correct": true, "score": 3, "msg": "nice"}`}}
	in := newInstance(t, def, 1, WithRunner(runner), WithLoader(loader))

	e := grade(t, in, "c", "def f(): return 2")
	assert.Equal(t, Correct, e.Correctness)
	assert.Equal(t, 3.0, e.Score)
	assert.Equal(t, "nice", e.Msg)

	require.Len(t, runner.jobs, 1)
	job := runner.jobs[0]
	assert.Equal(t, "python3", job.Command)
	assert.Equal(t, "print(1)\n", job.Code)
	assert.Equal(t, []byte("1,2\n"), job.Blobs["data.csv"])
	assert.JSONEq(t, `{"grader_payload": "{\"n\": 2}", "student_response": "def f(): return 2"}`, string(job.Stdin))
}

func TestCodeGraderReplies(t *testing.T) {
	def := mustDefinition(t, codeProblem)
	loader := MapLoader{"data.csv": nil}

	tests := []struct {
		name      string
		result    sandbox.Result
		err       error
		want      Correctness
		wantScore float64
		wantMsg   string
	}{
		{"score clamped high", sandbox.Result{Stdout: `{"correct": true, "score": 10, "msg": ""}`}, nil, Correct, 4, ""},
		{"score clamped low", sandbox.Result{Stdout: `{"correct": false, "score": -2, "msg": "no"}`}, nil, Incorrect, 0, "no"},
		{"missing key", sandbox.Result{Stdout: `{"correct": true, "score": 1}`}, nil, Incorrect, 0, `missing "msg"`},
		{"wrong type", sandbox.Result{Stdout: `{"correct": "yes", "score": 1, "msg": ""}`}, nil, Incorrect, 0, "wrong type"},
		{"not json", sandbox.Result{Stdout: `Traceback`}, nil, Incorrect, 0, "not a JSON object"},
		{"non-zero exit", sandbox.Result{Status: 2}, nil, Incorrect, 0, "status 2"},
		{"timeout", sandbox.Result{Status: -1, TimedOut: true}, fmt.Errorf("%w after 1s", sandbox.ErrTimeout), Incorrect, 0, "in time"},
		{"unconfigured", sandbox.Result{Status: -1}, sandbox.ErrNotConfigured, Incorrect, 0, "not configured"},
		{"failure", sandbox.Result{Status: -1}, errors.New("boom"), Incorrect, 0, "could not be run"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: tt.result, err: tt.err}
			in := newInstance(t, def, 1, WithRunner(runner), WithLoader(loader))
			e := grade(t, in, "c", "x")
			assert.Equal(t, tt.want, e.Correctness)
			assert.Equal(t, tt.wantScore, e.Score)
			assert.Contains(t, e.Msg, tt.wantMsg)
		})
	}
}

func TestParseGraderReply(t *testing.T) {
	_, err := parseGraderReply(`[1, 2]`)
	assert.ErrorIs(t, err, ErrInvalidGraderReply)

	reply, err := parseGraderReply("  {\"correct\": false, \"score\": 0.5, \"msg\": \"half\"}\n")
	require.NoError(t, err)
	assert.Equal(t, graderReply{Correct: false, Score: 0.5, Msg: "half"}, reply)
}

func TestCodeGraderMissingFile(t *testing.T) {
	def := mustDefinition(t, codeProblem)
	runner := &fakeRunner{}
	in := newInstance(t, def, 1, WithRunner(runner), WithLoader(MapLoader{}))

	e := grade(t, in, "c", "x")
	assert.Equal(t, Incorrect, e.Correctness)
	assert.Contains(t, e.Msg, "data.csv")
	assert.Empty(t, runner.jobs)
}

type stubPlugin struct {
	verdict Verdict
	err     error
	seen    []string
}

func (p *stubPlugin) Grade(_ context.Context, r *Response, sub string) (Verdict, error) {
	p.seen = append(p.seen, r.ID+"="+sub)
	return p.verdict, p.err
}

func TestOpenEndedAndSchematic(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <openendedresponse id="e"><prompt>Why?</prompt></openendedresponse>
	  <schematicresponse id="s"/>
	</problem>`)

	in := newInstance(t, def, 1)
	e := grade(t, in, "e", "because")
	assert.Equal(t, Incorrect, e.Correctness)
	assert.Contains(t, e.Msg, "no grader configured")
	assert.Equal(t, Correct, grade(t, in, "s", "[[wire]]").Correctness)

	plugin := &stubPlugin{verdict: Verdict{Correct: true, Score: 0.7, Msg: "good"}}
	in = newInstance(t, def, 1, WithPlugin(KindOpenEnded, plugin))
	e = grade(t, in, "e", "because")
	assert.Equal(t, Correct, e.Correctness)
	assert.Equal(t, 0.7, e.Score)
	assert.Equal(t, "good", e.Msg)
	assert.Equal(t, []string{"e=because"}, plugin.seen)

	failing := &stubPlugin{err: errors.New("llm down")}
	in = newInstance(t, def, 1, WithPlugin(KindSchematic, failing))
	assert.Equal(t, Incorrect, grade(t, in, "s", "x").Correctness)
}

func TestFields(t *testing.T) {
	def := mustDefinition(t, `<problem>
	  <numericalresponse id="a" answer="1"/>
	  <openendedresponse id="b" optional="true"><prompt>Discuss.</prompt></openendedresponse>
	</problem>`)
	st := NewState(1)
	st.Answers["a"] = "2"
	st.CorrectMap["a"] = Incorrect
	in, err := New(context.Background(), def, st)
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, []Field{
		{ID: "a", Kind: KindNumerical, Value: "2", Correctness: Incorrect},
		{ID: "b", Kind: KindOpenEnded, Optional: true, Prompt: "Discuss."},
	}, in.Fields())
	assert.Equal(t, uint32(1), in.Seed())
	assert.Same(t, def, in.Definition())
}

func TestNewWithoutState(t *testing.T) {
	def := mustDefinition(t, `<problem><numericalresponse id="a" answer="1"/></problem>`)
	in, err := New(context.Background(), def, nil)
	require.NoError(t, err)
	defer in.Close()
	require.NotNil(t, in.State())
	assert.Empty(t, in.State().Answers)
	assert.Zero(t, in.State().Attempts)
}
