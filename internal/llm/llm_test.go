package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/grader/internal/problem"
)

type fakeAPI struct {
	reply   string
	err     error
	choices bool
	lastReq openai.ChatCompletionRequest
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	var resp openai.ChatCompletionResponse
	if f.choices {
		resp.Choices = []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}}
	}
	return resp, nil
}

func (f *fakeAPI) ListModels(context.Context) (openai.ModelsList, error) {
	return openai.ModelsList{}, f.err
}

func newTestClient(t *testing.T, api *fakeAPI, opts ...Option) *Client {
	t.Helper()
	c, err := New("http://localhost:0/v1", "key", "test-model", "standard", append(opts, withAPI(api))...)
	require.NoError(t, err)
	return c
}

var essay = &problem.Response{
	ID:        "e1",
	Kind:      problem.KindOpenEnded,
	Prompt:    "Why is the sky blue?",
	Rubric:    "Rayleigh scattering",
	Answer:    "Short wavelengths scatter more.",
	MaxPoints: 2,
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	_, err := New("", "key", "m", "harsh")
	assert.Error(t, err)
}

func TestGrade(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantCorrect bool
		wantScore   float64
	}{
		{"full marks", `{"score": 4, "max_points": 4, "feedback": "Good."}`, true, 2},
		{"exactly threshold", `{"score": 2, "max_points": 4, "feedback": "Half."}`, true, 1},
		{"below threshold", `{"score": 1, "max_points": 4, "feedback": "Weak."}`, false, 0.5},
		{"missing max_points uses response points", `{"score": 1, "feedback": "Half."}`, true, 1},
		{"score above max is clamped", `{"score": 9, "max_points": 4, "feedback": ""}`, true, 2},
		{"negative score is clamped", `{"score": -3, "max_points": 4, "feedback": ""}`, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{reply: tt.reply, choices: true}
			c := newTestClient(t, api)

			v, err := c.Grade(context.Background(), essay, "Rayleigh scattering")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCorrect, v.Correct)
			assert.Equal(t, tt.wantScore, v.Score)
		})
	}
}

func TestGradeRequest(t *testing.T) {
	api := &fakeAPI{reply: `{"score": 2, "max_points": 2, "feedback": "Correct."}`, choices: true}
	c := newTestClient(t, api)

	v, err := c.Grade(context.Background(), essay, "Rayleigh scattering")
	require.NoError(t, err)
	assert.Equal(t, "Correct.", v.Msg)

	req := api.lastReq
	assert.Equal(t, "test-model", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	require.Len(t, req.Messages, 1)
	prompt := req.Messages[0].Content
	for _, want := range []string{essay.Prompt, essay.Rubric, essay.Answer, "Rayleigh scattering"} {
		assert.Contains(t, prompt, want)
	}
}

func TestThresholdOption(t *testing.T) {
	api := &fakeAPI{reply: `{"score": 3, "max_points": 4, "feedback": ""}`, choices: true}
	c := newTestClient(t, api, WithThreshold(0.8))

	v, err := c.Grade(context.Background(), essay, "x")
	require.NoError(t, err)
	assert.False(t, v.Correct, "0.75 of the points is below a 0.8 threshold")
}

func TestGradeErrors(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeAPI
	}{
		{"api error", &fakeAPI{err: errors.New("connection refused")}},
		{"no choices", &fakeAPI{}},
		{"not json", &fakeAPI{reply: "I think it is fine", choices: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.api)
			_, err := c.Grade(context.Background(), essay, "x")
			assert.Error(t, err)
		})
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})
	assert.NoError(t, c.Ping(context.Background()))
	c = newTestClient(t, &fakeAPI{err: errors.New("down")})
	assert.Error(t, c.Ping(context.Background()))
}

func TestPluginInProblem(t *testing.T) {
	def, err := problem.LoadDefinition(strings.NewReader(`<problem>
	  <openendedresponse id="e1" points="2"><prompt>Why?</prompt></openendedresponse>
	</problem>`), nil)
	require.NoError(t, err)
	api := &fakeAPI{reply: `{"score": 1, "max_points": 2, "feedback": "Half right."}`, choices: true}
	c := newTestClient(t, api)

	in, err := problem.New(context.Background(), def, problem.NewState(1), problem.WithPlugin(problem.KindOpenEnded, c))
	require.NoError(t, err)
	defer in.Close()

	cm := in.Grade(context.Background(), map[string]string{"e1": "because"}, false)
	e, ok := cm.Get("e1")
	require.True(t, ok, "no entry for e1")
	assert.Equal(t, problem.Correct, e.Correctness)
	assert.Equal(t, 1.0, e.Score)
	assert.Equal(t, "Half right.", e.Msg)
}
