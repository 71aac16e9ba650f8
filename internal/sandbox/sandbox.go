// Package sandbox runs untrusted reference code in a fresh working directory
// with resource limits and a wall-clock watchdog.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/grader/internal/metrics"
)

// CodeFile is the name the job's code is written under inside the working directory.
const CodeFile = "jailed_code"

var (
	// ErrNotConfigured is returned by Run for a command that was never registered.
	ErrNotConfigured = errors.New("sandbox command not configured")
	// ErrTimeout is returned when the watchdog killed the child.
	ErrTimeout = errors.New("sandbox timeout")
	// ErrFailure reports that the child could not be prepared or launched.
	ErrFailure = errors.New("sandbox failure")
	// ErrDockerUnavailable reports that the docker daemon could not be reached.
	ErrDockerUnavailable = errors.New("docker daemon unreachable")
)

// Command describes how a symbolic command name is executed.
type Command struct {
	Name        string   `mapstructure:"name"`
	Interpreter string   `mapstructure:"interpreter"`
	Args        []string `mapstructure:"args"`
	User        string   `mapstructure:"user"`
	Image       string   `mapstructure:"image"`
	Env         []string `mapstructure:"env"`
}

// Job is a single sandboxed invocation.
type Job struct {
	Command string
	Code    string
	Files   []string          // host paths copied (recursively) into the working directory
	Blobs   map[string][]byte // extra files written into the working directory
	Argv    []string
	Stdin   []byte
}

// Result is what the child produced. Status is -1 when the child was killed.
type Result struct {
	Stdout   string
	Stderr   string
	Status   int
	TimedOut bool
	Duration time.Duration
}

// Limits caps the child. A negative value means unlimited.
type Limits struct {
	CPUTime   time.Duration
	WallTime  time.Duration
	Memory    int64 // address space, stack, data and RSS, in bytes
	FileSize  int64
	Processes int64
}

// DefaultLimits returns 1s CPU, 1s wall clock, 32 MiB memory, no subprocesses
// and no file writes.
func DefaultLimits() Limits {
	return Limits{
		CPUTime:   time.Second,
		WallTime:  time.Second,
		Memory:    32 << 20,
		FileSize:  0,
		Processes: 0,
	}
}

type backend interface {
	name() string
	// run executes cmd in dir. runID names the run in logs and, for the
	// docker backend, in the container name.
	run(ctx context.Context, runID string, cmd Command, dir string, argv []string, stdin []byte) (Result, error)
}

// Sandbox holds registered commands and the limits applied to every run.
type Sandbox struct {
	limits  Limits
	tempDir string
	local   backend
	docker  backend

	mu       sync.RWMutex
	commands map[string]Command
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithTempDir sets the parent directory for per-run working directories.
func WithTempDir(dir string) Option {
	return func(s *Sandbox) { s.tempDir = dir }
}

// WithDockerClient enables the docker backend for commands that name an image.
func WithDockerClient(cli dockerClient) Option {
	return func(s *Sandbox) { s.docker = &dockerBackend{cli: cli, limits: &s.limits} }
}

// New returns a Sandbox with no registered commands.
func New(limits Limits, opts ...Option) *Sandbox {
	s := &Sandbox{
		limits:   limits,
		commands: make(map[string]Command),
	}
	s.local = &localBackend{limits: &s.limits}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the limits applied to every run.
func (s *Sandbox) Limits() Limits { return s.limits }

// Configure registers cmd under cmd.Name. Registering the same command again
// replaces it.
func (s *Sandbox) Configure(cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("configure sandbox: command name is required")
	}
	if cmd.Interpreter == "" {
		return fmt.Errorf("configure sandbox %q: interpreter is required", cmd.Name)
	}
	if cmd.Image == "" {
		path, err := exec.LookPath(cmd.Interpreter)
		if err != nil {
			return fmt.Errorf("configure sandbox %q: %w", cmd.Name, err)
		}
		cmd.Interpreter = path
	} else if s.docker == nil {
		return fmt.Errorf("configure sandbox %q: image %q requires docker: %w", cmd.Name, cmd.Image, ErrDockerUnavailable)
	}

	s.mu.Lock()
	s.commands[cmd.Name] = cmd
	s.mu.Unlock()
	slog.Debug("sandbox command configured", "name", cmd.Name, "interpreter", cmd.Interpreter, "user", cmd.User, "image", cmd.Image)
	return nil
}

// IsConfigured reports whether name has been registered.
func (s *Sandbox) IsConfigured(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.commands[name]
	return ok
}

// Commands returns the registered command names.
func (s *Sandbox) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	return names
}

// Run executes job in a fresh working directory which is removed before Run
// returns. A non-zero exit is reported in Result.Status, not as an error.
func (s *Sandbox) Run(ctx context.Context, job Job) (Result, error) {
	s.mu.RLock()
	cmd, ok := s.commands[job.Command]
	s.mu.RUnlock()
	if !ok {
		return Result{Status: -1}, fmt.Errorf("%w: %q", ErrNotConfigured, job.Command)
	}

	be := s.local
	if cmd.Image != "" {
		be = s.docker
	}

	runID := uuid.NewString()
	logger := slog.With("run_id", runID, "command", cmd.Name, "backend", be.name())

	dir, err := os.MkdirTemp(s.tempDir, "sandbox-")
	if err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: create working dir: %v", ErrFailure, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("removing sandbox dir", "dir", dir, "error", err)
		}
	}()

	argv, err := populate(dir, job)
	if err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: %v", ErrFailure, err)
	}

	start := time.Now()
	res, err := be.run(ctx, runID, cmd, dir, argv, job.Stdin)
	res.Duration = time.Since(start)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	case res.Status != 0:
		outcome = "nonzero"
	}
	metrics.ObserveSandboxRun(cmd.Name, be.name(), outcome, res.Duration)

	if err != nil {
		logger.Warn("sandbox run failed", "status", res.Status, "timed_out", res.TimedOut, "duration", res.Duration, "error", err)
		return res, err
	}
	logger.Debug("sandbox run finished", "status", res.Status, "duration", res.Duration)
	return res, nil
}

// populate writes the job's code, blobs and copied files into dir and returns
// the argv to pass after the interpreter.
func populate(dir string, job Job) ([]string, error) {
	argv := make([]string, 0, len(job.Argv)+1)
	if job.Code != "" {
		if err := os.WriteFile(filepath.Join(dir, CodeFile), []byte(job.Code), 0o644); err != nil {
			return nil, fmt.Errorf("write code: %w", err)
		}
		argv = append(argv, CodeFile)
	}
	for name, data := range job.Blobs {
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("blob name %q escapes the working directory", name)
		}
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("write blob %q: %w", name, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, fmt.Errorf("write blob %q: %w", name, err)
		}
	}
	for _, src := range job.Files {
		if err := copyTree(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return nil, fmt.Errorf("copy %q: %w", src, err)
		}
	}
	return append(argv, job.Argv...), nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var (
	defaultMu sync.RWMutex
	std       *Sandbox
)

// Init replaces the process-wide sandbox used by Configure, IsConfigured and Run.
func Init(limits Limits, opts ...Option) {
	defaultMu.Lock()
	std = New(limits, opts...)
	defaultMu.Unlock()
}

// Reset drops the process-wide sandbox and every command registered on it.
func Reset() {
	defaultMu.Lock()
	std = nil
	defaultMu.Unlock()
}

// Default returns the process-wide sandbox, creating it with DefaultLimits on first use.
func Default() *Sandbox {
	defaultMu.RLock()
	s := std
	defaultMu.RUnlock()
	if s != nil {
		return s
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if std == nil {
		std = New(DefaultLimits())
	}
	return std
}

// Configure registers cmd on the process-wide sandbox.
func Configure(cmd Command) error { return Default().Configure(cmd) }

// IsConfigured queries the process-wide sandbox.
func IsConfigured(name string) bool { return Default().IsConfigured(name) }

// Run executes job on the process-wide sandbox.
func Run(ctx context.Context, job Job) (Result, error) { return Default().Run(ctx, job) }
