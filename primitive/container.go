package primitive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/internal/logging"
)

const (
	LabelManagedBy = "threads.managed-by"
	LabelThread    = "threads.thread-id"
	LabelItem      = "threads.item-id"
	DefaultImage   = "alpine:3.20"
)

// ErrDockerUnavailable is returned when no daemon could be reached.
var ErrDockerUnavailable = errors.New("docker not available")

// Container runs a primitive's command in a throwaway container. Metadata:
//
//	image: python:3.12-slim
//	command: ["python", "-c", "..."]
//	network: tools-net   # omitted means no network
//	memory_mb: 256
//	timeout: 2m
//
// Params are streamed to the container's stdin as JSON, exactly as for
// Subprocess, and output is shaped the same way.
type Container struct {
	client     *client.Client
	defaultImg string
	logger     *zap.Logger

	mu       sync.Mutex
	networks map[string]bool
}

// ContainerOption configures a Container primitive.
type ContainerOption func(*Container)

// WithDefaultImage sets the image used when the item names none.
func WithDefaultImage(img string) ContainerOption {
	return func(c *Container) { c.defaultImg = img }
}

// WithContainerLogger sets the logger.
func WithContainerLogger(l *zap.Logger) ContainerOption {
	return func(c *Container) { c.logger = logging.OrNop(l) }
}

// WithDockerClient uses an existing client instead of probing for one.
func WithDockerClient(cli *client.Client) ContainerOption {
	return func(c *Container) { c.client = cli }
}

// NewContainer creates the primitive. If no Docker daemon is reachable the
// primitive is still returned; Available reports false and Run fails.
func NewContainer(opts ...ContainerOption) *Container {
	c := &Container{
		defaultImg: DefaultImage,
		logger:     zap.NewNop(),
		networks:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		cli, err := createDockerClient()
		if err != nil {
			c.logger.Info("container primitive disabled", zap.Error(err))
		}
		c.client = cli
	}
	return c
}

// createDockerClient tries the environment first, then the usual socket
// locations for Docker Desktop, Linux and Colima.
func createDockerClient() (*client.Client, error) {
	if cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err == nil {
		if ping(cli) {
			return cli, nil
		}
		cli.Close()
	}

	home := os.Getenv("HOME")
	for _, host := range []string{
		"unix://" + home + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + home + "/.colima/docker.sock",
	} {
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		if ping(cli) {
			return cli, nil
		}
		cli.Close()
	}
	return nil, fmt.Errorf("could not connect to Docker daemon")
}

func ping(cli *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err == nil
}

// Available reports whether a daemon is connected.
func (c *Container) Available() bool { return c.client != nil }

// Close releases the Docker client.
func (c *Container) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// containerSpec builds the create request for a primitive call.
func (c *Container) containerSpec(req Request) (*container.Config, *container.HostConfig, error) {
	argv := metaList(req.Item, "command", req.Params)
	if len(argv) == 0 || argv[0] == "" {
		return nil, nil, fmt.Errorf("primitive %s: no command configured", itemID(req))
	}
	img := meta(req.Item, "image", req.Params)
	if img == "" {
		img = c.defaultImg
	}

	env := metaList(req.Item, "env", req.Params)
	if req.ThreadID != "" {
		env = append(env, "THREADS_THREAD_ID="+req.ThreadID)
	}

	cfg := &container.Config{
		Image:        img,
		Cmd:          argv,
		Env:          env,
		WorkingDir:   meta(req.Item, "dir", req.Params),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
		Labels: map[string]string{
			LabelManagedBy: "threads",
			LabelThread:    req.ThreadID,
			LabelItem:      req.ItemID,
		},
	}

	host := &container.HostConfig{NetworkMode: "none"}
	if n := meta(req.Item, "network", req.Params); n != "" {
		host.NetworkMode = container.NetworkMode(n)
	}
	switch mb := req.Item.Metadata["memory_mb"].(type) {
	case int:
		host.Resources.Memory = int64(mb) << 20
	case float64:
		host.Resources.Memory = int64(mb) << 20
	}
	return cfg, host, nil
}

// Run implements Primitive.
func (c *Container) Run(ctx context.Context, req Request) (*action.Result, error) {
	if !c.Available() {
		return nil, ErrDockerUnavailable
	}
	cfg, host, err := c.containerSpec(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, metaDuration(req.Item, "timeout", DefaultTimeout))
	defer cancel()

	if err := c.ensureImage(ctx, cfg.Image); err != nil {
		return nil, fmt.Errorf("pull %s: %w", cfg.Image, err)
	}
	if mode := string(host.NetworkMode); mode != "none" && mode != "host" && mode != "bridge" {
		if err := c.ensureNetwork(ctx, mode); err != nil {
			return nil, fmt.Errorf("network %s: %w", mode, err)
		}
	}

	created, err := c.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := c.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("remove container", zap.String("container", shortID(id)), zap.Error(err))
		}
	}()

	attach, err := c.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := c.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	stdin, err := json.Marshal(paramsOrEmpty(req.Params))
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if _, err := attach.Conn.Write(stdin); err != nil {
		return nil, fmt.Errorf("write stdin: %w", err)
	}
	_ = attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	waitCh, errCh := c.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case w := <-waitCh:
		exitCode = int(w.StatusCode)
	case err := <-errCh:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return action.Failure("container timed out: %s", strings.Join(cfg.Cmd, " ")), nil
		}
		return nil, fmt.Errorf("wait container: %w", err)
	}

	c.logger.Debug("container primitive finished",
		zap.String("container", shortID(id)),
		zap.String("image", cfg.Image),
		zap.Int("exit_code", exitCode))
	return outputResult(stdout.Bytes(), stderr.Bytes(), exitCode), nil
}

// ensureImage pulls the image if it isn't present locally.
func (c *Container) ensureImage(ctx context.Context, name string) error {
	if _, _, err := c.client.ImageInspectWithRaw(ctx, name); err == nil {
		return nil
	}
	reader, err := c.client.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// ensureNetwork creates a named bridge network once per process.
func (c *Container) ensureNetwork(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.networks[name] {
		return nil
	}

	existing, err := c.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, err = c.client.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "bridge",
			Labels: map[string]string{LabelManagedBy: "threads"},
		})
		if err != nil {
			return err
		}
	}
	c.networks[name] = true
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
