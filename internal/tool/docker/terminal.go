package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
)

const maxCaptureBytes = 1 << 20

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// TerminalConfig is the configuration for the Docker terminal.
type TerminalConfig struct {
	Client DockerClient
	// Image is the image the commands run in.
	Image string
	// Workspace is the host directory bind mounted in the container.
	Workspace string
	// MountPath is where the workspace is mounted, defaults to `/workspace`.
	MountPath string
	// AllowNetwork attaches the container to the default network, otherwise it has none.
	AllowNetwork bool
	Env          []string
	// SkipPull uses the local image without pulling it.
	SkipPull bool
	// DockerBinary is the docker CLI used to exec commands, defaults to `docker`.
	DockerBinary string
	Logger       log.Logger
}

func (c *TerminalConfig) defaults() error {
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.MountPath == "" {
		c.MountPath = "/workspace"
	}
	if c.DockerBinary == "" {
		c.DockerBinary = "docker"
	}
	if c.Client == nil {
		// Create a default Docker client
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "docker.Terminal"})
	return nil
}

// Terminal runs commands inside a long lived container that has the workspace
// bind mounted, so the tree the kernel checkpoints is the one the commands change.
type Terminal struct {
	client       DockerClient
	image        string
	workspace    string
	mountPath    string
	allowNetwork bool
	env          []string
	skipPull     bool
	binary       string
	logger       log.Logger

	mu            sync.Mutex
	containerName string
	containerID   string
}

// NewTerminal creates a new Docker terminal, Start must be called before running commands.
func NewTerminal(cfg TerminalConfig) (*Terminal, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Terminal{
		client:        cfg.Client,
		image:         cfg.Image,
		workspace:     filepath.Clean(cfg.Workspace),
		mountPath:     cfg.MountPath,
		allowNetwork:  cfg.AllowNetwork,
		env:           cfg.Env,
		skipPull:      cfg.SkipPull,
		binary:        cfg.DockerBinary,
		logger:        cfg.Logger,
		containerName: fmt.Sprintf("autopilot-%s", strings.ToLower(ulid.Make().String())),
	}, nil
}

var _ tool.Terminal = &Terminal{}

// ContainerName returns the name of the container commands run in.
func (t *Terminal) ContainerName() string { return t.containerName }

// Start pulls the image, then creates and starts the container.
func (t *Terminal) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.skipPull {
		t.logger.Infof("[1/3] Pulling image: %s", t.image)
		pullResp, err := t.client.ImagePull(ctx, t.image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", t.image, err)
		}
		// Consume the pull response to ensure it completes
		_, _ = io.Copy(io.Discard, pullResp)
		pullResp.Close()
	}

	t.logger.Infof("[2/3] Creating container: %s", t.containerName)
	containerConfig := &container.Config{
		Image:      t.image,
		Env:        t.env,
		WorkingDir: t.mountPath,
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Cmd:        []string{"tail", "-f", "/dev/null"}, // Keep container running
		Labels:     map[string]string{"app": "autopilot"},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", t.workspace, t.mountPath)},
	}
	if !t.allowNetwork {
		hostConfig.NetworkMode = "none"
	}

	resp, err := t.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, t.containerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	t.containerID = resp.ID

	t.logger.Infof("[3/3] Starting container: %s", t.containerID)
	if err := t.client.ContainerStart(ctx, t.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	return nil
}

// Close removes the container.
func (t *Terminal) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.containerID == "" {
		return nil
	}

	t.logger.Infof("Removing container: %s", t.containerName)
	if err := t.client.ContainerRemove(ctx, t.containerID, container.RemoveOptions{Force: true}); err != nil {
		// Check if already removed
		if strings.Contains(err.Error(), "No such container") {
			t.logger.Debugf("Container %s already removed", t.containerName)
		} else {
			return fmt.Errorf("failed to remove container %s: %w", t.containerName, err)
		}
	}
	t.containerID = ""

	return nil
}

// Run satisfies tool.Terminal. Commands are executed with `docker exec`.
func (t *Terminal) Run(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (*tool.TerminalResult, error) {
	var command []string
	switch {
	case req.Shell != "":
		command = []string{"sh", "-c", req.Shell}
	case req.Program != "":
		command = append([]string{req.Program}, req.Args...)
	default:
		return nil, fmt.Errorf("program or shell command is required: %w", model.ErrNotValid)
	}

	workDir, err := t.containerPath(req.Dir)
	if err != nil {
		return nil, err
	}

	args := []string{"exec", "-w", workDir}
	for _, e := range req.Env {
		args = append(args, "-e", e)
	}
	args = append(args, t.containerName)
	args = append(args, command...)

	t.logger.Debugf("Executing command in container %s: docker %v", t.containerName, args)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var mu sync.Mutex
	stdout := &streamWriter{stream: tool.StreamStdout, onChunk: onChunk, mu: &mu}
	stderr := &streamWriter{stream: tool.StreamStderr, onChunk: onChunk, mu: &mu}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	err = cmd.Run()

	res := &tool.TerminalResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Killing the docker CLI leaves the process running in the container.
		t.restart(context.WithoutCancel(ctx))
		res.ExitCode = -1
		return res, fmt.Errorf("command interrupted: %w", ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Exit codes 125-127 are docker exec failures, not the command ones.
			if code := exitErr.ExitCode(); code == 125 && strings.Contains(res.Stderr, "No such container") {
				return nil, fmt.Errorf("container %s: %w", t.containerName, model.ErrNotFound)
			}
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	return res, nil
}

func (t *Terminal) containerPath(dir string) (string, error) {
	if dir == "" {
		return t.mountPath, nil
	}

	rel, err := filepath.Rel(t.workspace, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("directory %q is not inside the mounted workspace: %w", dir, model.ErrNotValid)
	}

	return path.Join(t.mountPath, filepath.ToSlash(rel)), nil
}

// restart kills every process of the container by stopping and starting it.
func (t *Terminal) restart(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.containerID == "" {
		return
	}

	timeout := 0
	t.logger.Warningf("Restarting container %s to kill interrupted command", t.containerName)
	if err := t.client.ContainerStop(ctx, t.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		t.logger.Errorf("Could not stop container %s: %s", t.containerName, err)
		return
	}
	if err := t.client.ContainerStart(ctx, t.containerID, container.StartOptions{}); err != nil {
		t.logger.Errorf("Could not start container %s: %s", t.containerName, err)
	}
}

// Status returns the docker state of the container (e.g. running, exited).
func (t *Terminal) Status(ctx context.Context) (string, error) {
	t.mu.Lock()
	id := t.containerID
	t.mu.Unlock()

	if id == "" {
		return "", fmt.Errorf("container %s: %w", t.containerName, model.ErrNotFound)
	}

	info, err := t.client.ContainerInspect(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return "", fmt.Errorf("container %s: %w", t.containerName, model.ErrNotFound)
		}
		return "", fmt.Errorf("failed to inspect container %s: %w", t.containerName, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", nil
	}

	return string(info.State.Status), nil
}

// streamWriter captures a bounded copy of a stream and forwards chunks.
type streamWriter struct {
	stream  string
	onChunk tool.ChunkFunc
	mu      *sync.Mutex
	buf     []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if room := maxCaptureBytes - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	if w.onChunk != nil {
		w.onChunk(w.stream, string(p))
	}

	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
