package sandbox

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertNoLeftovers(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox working directories must be removed")
}

func TestRunUnconfiguredCommand(t *testing.T) {
	s := New(DefaultLimits())
	assert.False(t, s.IsConfigured("python"))

	res, err := s.Run(context.Background(), Job{Command: "python", Code: "print(1)"})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, -1, res.Status)
}

func TestConfigure(t *testing.T) {
	s := New(DefaultLimits())

	tests := []struct {
		name    string
		cmd     Command
		wantErr error
	}{
		{name: "missing name", cmd: Command{Interpreter: "sh"}},
		{name: "missing interpreter", cmd: Command{Name: "x"}},
		{name: "unknown interpreter", cmd: Command{Name: "x", Interpreter: "/definitely/not/here"}},
		{name: "image without docker", cmd: Command{Name: "py", Interpreter: "python3", Image: "python:3.12-slim"}, wantErr: ErrDockerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Configure(tt.cmd)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
	assert.Empty(t, s.Commands())
}

func TestConfigureIsIdempotent(t *testing.T) {
	s := New(DefaultLimits(), WithDockerClient(&fakeDockerClient{t: t}))
	cmd := Command{Name: "py", Interpreter: "python3", Image: "python:3.12-slim"}

	require.NoError(t, s.Configure(cmd))
	require.NoError(t, s.Configure(cmd))
	assert.True(t, s.IsConfigured("py"))
	assert.Equal(t, []string{"py"}, s.Commands())
}

func TestProcessWideSandbox(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Init(DefaultLimits(), WithDockerClient(&fakeDockerClient{t: t}))
	assert.False(t, IsConfigured("py"))
	require.NoError(t, Configure(Command{Name: "py", Interpreter: "python3", Image: "python:3.12-slim"}))
	assert.True(t, IsConfigured("py"))
	assert.Equal(t, DefaultLimits(), Default().Limits())

	Reset()
	assert.False(t, IsConfigured("py"))

	_, err := Run(context.Background(), Job{Command: "py"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
