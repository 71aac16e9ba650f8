package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

const workspace = "/workspace"

type dockerClient interface {
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerKill(ctx context.Context, containerID string, signal string) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config types.ExecStartCheck) error
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// NewDockerClient connects to the daemon named by the DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, translateDockerErr(err)
	}
	return cli, nil
}

type dockerBackend struct {
	cli    dockerClient
	limits *Limits
}

func (b *dockerBackend) name() string { return "docker" }

func containerName(runID string) string { return "grader-" + runID }

func (b *dockerBackend) run(ctx context.Context, runID string, cmd Command, dir string, argv []string, stdin []byte) (Result, error) {
	limits := *b.limits
	if err := b.ensureImage(ctx, cmd.Image); err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: %w", ErrFailure, err)
	}

	create, err := b.cli.ContainerCreate(ctx, containerConfig(cmd), hostConfig(limits), nil, nil, containerName(runID))
	if err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: create container: %w", ErrFailure, translateDockerErr(err))
	}
	cid := create.ID
	defer func() {
		_ = b.cli.ContainerRemove(context.Background(), cid, types.ContainerRemoveOptions{Force: true})
	}()

	if err := b.cli.ContainerStart(ctx, cid, types.ContainerStartOptions{}); err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: start container: %w", ErrFailure, translateDockerErr(err))
	}

	archive, err := tarDir(dir)
	if err != nil {
		return Result{Status: -1}, fmt.Errorf("%w: archive working dir: %v", ErrFailure, err)
	}
	if err := b.cli.CopyToContainer(ctx, cid, workspace, archive, types.CopyToContainerOptions{}); err != nil {
		_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return Result{Status: -1}, fmt.Errorf("%w: copy working dir: %w", ErrFailure, translateDockerErr(err))
	}

	runCtx := ctx
	if limits.WallTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.WallTime)
		defer cancel()
	}

	execArgv := append([]string{cmd.Interpreter}, cmd.Args...)
	execArgv = append(execArgv, argv...)
	execResp, err := b.cli.ContainerExecCreate(ctx, cid, types.ExecConfig{
		Cmd:          execArgv,
		User:         cmd.User,
		Env:          cmd.Env,
		WorkingDir:   workspace,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return Result{Status: -1}, fmt.Errorf("%w: exec create: %w", ErrFailure, translateDockerErr(err))
	}
	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: false})
	if err != nil {
		_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return Result{Status: -1}, fmt.Errorf("%w: exec attach: %w", ErrFailure, translateDockerErr(err))
	}
	defer attach.Close()
	if err := b.cli.ContainerExecStart(ctx, execResp.ID, types.ExecStartCheck{Tty: false}); err != nil {
		_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return Result{Status: -1}, fmt.Errorf("%w: exec start: %w", ErrFailure, translateDockerErr(err))
	}

	if len(stdin) > 0 {
		if _, err := attach.Conn.Write(stdin); err != nil {
			_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
			return Result{Status: -1}, fmt.Errorf("%w: write stdin: %v", ErrFailure, err)
		}
	}
	if closer, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	}()

	select {
	case <-copied:
	case <-runCtx.Done():
		_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		attach.Close()
		<-copied
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Status: -1}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %v", ErrFailure, ctx.Err())
		}
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s", ErrTimeout, limits.WallTime)
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		_ = b.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), Status: -1},
			fmt.Errorf("%w: exec inspect: %w", ErrFailure, translateDockerErr(err))
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Status: inspect.ExitCode}, nil
}

func containerConfig(cmd Command) *container.Config {
	return &container.Config{
		Image:           cmd.Image,
		Cmd:             []string{"/bin/sh", "-c", "sleep infinity"},
		Tty:             false,
		WorkingDir:      workspace,
		Env:             append([]string{"PYTHONDONTWRITEBYTECODE=1"}, cmd.Env...),
		NetworkDisabled: true,
	}
}

func hostConfig(l Limits) *container.HostConfig {
	res := container.Resources{NanoCPUs: 1_000_000_000}
	if l.Memory > 0 {
		res.Memory = l.Memory
	}
	if l.Processes >= 0 {
		// the idle init process and the exec itself
		pids := l.Processes + 2
		res.PidsLimit = &pids
	}
	if l.CPUTime > 0 {
		secs := int64((l.CPUTime + time.Second - 1) / time.Second)
		res.Ulimits = append(res.Ulimits, &units.Ulimit{Name: "cpu", Soft: secs, Hard: secs})
	}
	if l.FileSize >= 0 {
		res.Ulimits = append(res.Ulimits, &units.Ulimit{Name: "fsize", Soft: l.FileSize, Hard: l.FileSize})
	}
	return &container.HostConfig{
		NetworkMode: "none",
		Resources:   res,
		SecurityOpt: []string{"no-new-privileges"},
	}
}

func (b *dockerBackend) ensureImage(ctx context.Context, image string) error {
	_, _, err := b.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return translateDockerErr(err)
	}
	pullCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	reader, err := b.cli.ImagePull(pullCtx, image, types.ImagePullOptions{})
	if err != nil {
		return translateDockerErr(err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// tarDir archives the contents of dir with paths relative to it.
func tarDir(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func translateDockerErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return ErrDockerUnavailable
	}
	return err
}
