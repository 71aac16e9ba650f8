package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/grader/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

const halfProblem = `<problem attempts="2" showanswer="attempted">
  <numericalresponse id="a" answer="1/2" tolerance="0.01"/>
</problem>`

func writeProblem(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "half.xml")
	require.NoError(t, os.WriteFile(path, []byte(halfProblem), 0o600))
	return path
}

func TestEvalCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"constant", []string{"eval", "1+2*3"}, "7"},
		{"variable", []string{"eval", "2*x", "--var", "x=3"}, "6"},
		{"variable expression", []string{"eval", "x^2", "--var", "x=1/2"}, "0.25"},
		{"suffix", []string{"eval", "2k"}, "2000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(out))
		})
	}
}

func TestEvalCommandErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"parse error":        {"eval", "1+"},
		"malformed binding":  {"eval", "x", "--var", "x"},
		"undefined variable": {"eval", "y+1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestLatexCommand(t *testing.T) {
	out, err := execute(t, "latex", "1/2")
	require.NoError(t, err)
	assert.Equal(t, `\frac{1}{2}`, strings.TrimSpace(out))
}

func TestGradeCommand(t *testing.T) {
	path := writeProblem(t)
	statePath := filepath.Join(t.TempDir(), "state.json")

	out, err := execute(t, "grade", path, "--answers", `{"a":"0.5"}`, "--state", statePath)
	require.NoError(t, err)
	var got gradeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got), "output: %s", out)
	assert.Equal(t, 1, got.Attempts)
	assert.Positive(t, got.MaxScore)
	assert.Equal(t, got.MaxScore, got.Score, "full marks")
	require.FileExists(t, statePath)

	// The second check continues from the saved state and uses the last attempt.
	out, err = execute(t, "grade", path, "--answers", `{"a":"2"}`, "--state", statePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.Attempts)
	assert.EqualValues(t, "closed", got.Status)

	_, err = execute(t, "grade", path, "--answers", `{"a":"1"}`, "--state", statePath)
	assert.Error(t, err, "check on a closed problem")
}

func TestGradeCommandErrors(t *testing.T) {
	path := writeProblem(t)
	for name, args := range map[string][]string{
		"unknown action": {"grade", path, "--action", "explode"},
		"bad answers":    {"grade", path, "--answers", "not json"},
		"missing file":   {"grade", filepath.Join(t.TempDir(), "missing.xml")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestImportAndExport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "grader.db")
	path := writeProblem(t)

	_, err := execute(t, "import", "--db", dbPath, path)
	require.NoError(t, err)
	// Unchanged files are skipped.
	_, err = execute(t, "import", "--db", dbPath, path)
	require.NoError(t, err)

	out, err := execute(t, "export", "--db", dbPath)
	require.NoError(t, err)
	var export model.GradebookExport
	require.NoError(t, json.Unmarshal([]byte(out), &export))
	require.Len(t, export.Problems, 1)
	assert.Equal(t, "half", export.Problems[0].ProblemID)
	assert.Empty(t, export.Problems[0].Students)
}

func TestImportRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<problem><numericalresponse answer="1"/></problem>`), 0o600))

	_, err := execute(t, "import", "--db", filepath.Join(dir, "grader.db"), path)
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"32MiB", 32 << 20},
		{"1g", 1 << 30},
		{"0", 0},
		{"-1", -1},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseSize("lots")
	assert.Error(t, err)
}
