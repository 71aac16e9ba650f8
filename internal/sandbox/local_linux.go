package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	helperEnv = "GRADER_SANDBOX_HELPER"
	limitsEnv = "GRADER_SANDBOX_RLIMITS"
)

type localBackend struct {
	limits *Limits
}

func (b *localBackend) name() string { return "local" }

func (b *localBackend) run(ctx context.Context, _ string, cmd Command, dir string, argv []string, stdin []byte) (Result, error) {
	self, err := os.Executable()
	if err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: locate helper: %v", ErrFailure, err)
	}

	limits := *b.limits
	runCtx := ctx
	if limits.WallTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.WallTime)
		defer cancel()
	}

	args := append([]string{cmd.Interpreter}, cmd.Args...)
	args = append(args, argv...)
	c := exec.CommandContext(runCtx, self, args...)
	c.Dir = dir
	c.Env = append(childEnv(dir, cmd.Env), helperEnv+"=1", limitsEnv+"="+encodeLimits(limits))
	c.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}
	c.WaitDelay = 100 * time.Millisecond

	if cmd.User != "" {
		cred, err := lookupCredential(cmd.User)
		if err != nil {
			return Result{Status: -1}, fmt.Errorf("%w: %v", ErrFailure, err)
		}
		if err := chownTree(dir, int(cred.Uid), int(cred.Gid)); err != nil {
			return Result{Status: -1}, fmt.Errorf("%w: chown working dir: %v", ErrFailure, err)
		}
		c.SysProcAttr.Credential = cred
	}

	if err := c.Start(); err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: start %s: %v", ErrFailure, cmd.Interpreter, err)
	}
	waitErr := c.Wait()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Status: c.ProcessState.ExitCode(),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.Status = -1
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s", ErrTimeout, limits.WallTime)
	}
	if ctx.Err() != nil {
		res.Status = -1
		return res, fmt.Errorf("%w: %v", ErrFailure, ctx.Err())
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("%w: wait: %v", ErrFailure, waitErr)
	}
	return res, nil
}

func childEnv(dir string, extra []string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"LANG=C.UTF-8",
	}
	return append(env, extra...)
}

func lookupCredential(name string) (*syscall.Credential, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q uid: %w", name, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q gid: %w", name, err)
	}
	// An empty, non-nil Groups makes the child call setgroups with no
	// entries, dropping the parent's supplementary groups.
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: []uint32{}}, nil
}

func chownTree(dir string, uid, gid int) error {
	return filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}

// rlimits in the order the helper applies them. Limits that also constrain
// the helper's own Go runtime come last, right before exec.
var rlimitOrder = []struct {
	key      string
	resource int
}{
	{"cpu", unix.RLIMIT_CPU},
	{"stack", unix.RLIMIT_STACK},
	{"rss", unix.RLIMIT_RSS},
	{"fsize", unix.RLIMIT_FSIZE},
	{"data", unix.RLIMIT_DATA},
	{"as", unix.RLIMIT_AS},
	{"nproc", unix.RLIMIT_NPROC},
}

func encodeLimits(l Limits) string {
	cpu := int64(-1)
	if l.CPUTime >= 0 {
		cpu = int64((l.CPUTime + time.Second - 1) / time.Second)
	}
	values := map[string]int64{
		"cpu":   cpu,
		"stack": l.Memory,
		"rss":   l.Memory,
		"fsize": l.FileSize,
		"data":  l.Memory,
		"as":    l.Memory,
		"nproc": l.Processes,
	}
	parts := make([]string, 0, len(rlimitOrder))
	for _, r := range rlimitOrder {
		parts = append(parts, r.key+"="+strconv.FormatInt(values[r.key], 10))
	}
	return strings.Join(parts, ",")
}

func decodeLimits(s string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed limit %q", part)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("limit %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// ReexecHelper must be the first call in main (and TestMain). In a normal
// process it returns immediately. When the process was started by the local
// backend it applies the resource limits and replaces itself with the
// interpreter; it never returns in that case.
func ReexecHelper() {
	if os.Getenv(helperEnv) == "" {
		return
	}
	err := execLimited(os.Getenv(limitsEnv), os.Args[1:])
	fmt.Fprintf(os.Stderr, "sandbox helper: %v\n", err)
	os.Exit(127)
}

func execLimited(spec string, args []string) error {
	if len(args) == 0 {
		return errors.New("no interpreter given")
	}
	limits, err := decodeLimits(spec)
	if err != nil {
		return err
	}
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, helperEnv+"=") || strings.HasPrefix(kv, limitsEnv+"=") {
			continue
		}
		env = append(env, kv)
	}

	runtime.LockOSThread()
	for _, r := range rlimitOrder {
		v, ok := limits[r.key]
		if !ok || v < 0 {
			continue
		}
		var cur unix.Rlimit
		if err := unix.Getrlimit(r.resource, &cur); err != nil {
			return fmt.Errorf("getrlimit %s: %w", r.key, err)
		}
		lim := &unix.Rlimit{Cur: min(uint64(v), cur.Max), Max: min(uint64(v), cur.Max)}
		if err := unix.Setrlimit(r.resource, lim); err != nil {
			return fmt.Errorf("setrlimit %s=%d: %w", r.key, v, err)
		}
	}
	return unix.Exec(args[0], args, env)
}
