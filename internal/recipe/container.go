package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/logging"
)

// ContainerClient is the part of the Docker Engine API the container
// installer uses. *client.Client satisfies it.
type ContainerClient interface {
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	Close() error
}

// ContainerInstaller runs the install command in a container of req.Image.
// The build context is mounted read-only at /build and req.Staging at
// req.Prefix. Only req.Env reaches the command.
type ContainerInstaller struct {
	Client ContainerClient

	// User is the container user. Empty means the invoking uid:gid, so the
	// staged files stay owned by the caller.
	User string
}

// NewDockerInstaller connects to the daemon named by DOCKER_HOST and the
// related variables.
func NewDockerInstaller() (*ContainerInstaller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &ContainerInstaller{Client: cli}, nil
}

// Close releases the daemon connection.
func (c *ContainerInstaller) Close() error { return c.Client.Close() }

func (c *ContainerInstaller) Install(ctx context.Context, req InstallRequest) error {
	if len(req.Args) == 0 {
		return errors.New("empty install command")
	}
	if req.Image == "" || req.Image == Scratch {
		return fmt.Errorf("no builder image for %s", req.Args[0])
	}
	dir, err := filepath.Abs(req.Dir)
	if err != nil {
		return err
	}
	staging, err := filepath.Abs(req.Staging)
	if err != nil {
		return err
	}

	if err := c.ensureImage(ctx, req.Image, req.Logger); err != nil {
		return err
	}

	created, err := c.Client.ContainerCreate(ctx,
		&container.Config{
			Image:      req.Image,
			Cmd:        req.Args,
			Env:        containerEnv(req.Env),
			WorkingDir: buildDir,
			User:       c.user(),
			Labels:     map[string]string{"imgship.stage": "dependencies"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: dir, Target: buildDir, ReadOnly: true},
				{Type: mount.TypeBind, Source: staging, Target: req.Prefix},
			},
		},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("create %s container: %w", req.Image, err)
	}
	log := req.Logger.With().Str("container", shortID(created.ID)).Logger()
	defer func() {
		// ctx may already be cancelled
		err := c.Client.ContainerRemove(context.Background(), created.ID, types.ContainerRemoveOptions{Force: true})
		if err != nil {
			log.Warn().Err(err).Msg("remove builder container")
		}
	}()

	waitCh, waitErr := c.Client.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)
	if err := c.Client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start %s container: %w", req.Image, err)
	}
	log.Debug().Str("image", req.Image).Msg("builder container started")

	logs, err := c.Client.ContainerLogs(ctx, created.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("attach to container output: %w", err)
	}
	stdout := logging.NewLineWriter(log, "stdout")
	stderr := logging.NewLineWriter(log, "stderr")
	_, copyErr := stdcopy.StdCopy(stdout, stderr, logs)
	logs.Close()
	stdout.Flush()
	stderr.Flush()

	select {
	case res := <-waitCh:
		if res.Error != nil {
			return fmt.Errorf("%s: %s", req.Args[0], res.Error.Message)
		}
		if res.StatusCode != 0 {
			return fmt.Errorf("%s: exit status %d", req.Args[0], res.StatusCode)
		}
	case err := <-waitErr:
		return fmt.Errorf("wait for container: %w", err)
	}
	if copyErr != nil {
		return fmt.Errorf("read container output: %w", copyErr)
	}
	return nil
}

// ensureImage pulls ref unless the daemon already has it.
func (c *ContainerInstaller) ensureImage(ctx context.Context, ref string, log zerolog.Logger) error {
	_, _, err := c.Client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect %s: %w", ref, err)
	}

	log.Info().Str("image", ref).Msg("pulling builder image")
	rc, err := c.Client.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()

	// errors after the pull starts arrive in the progress stream
	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull %s: %s", ref, msg.Error)
		}
		log.Debug().Str("image", ref).Msg(msg.Status)
	}
}

func (c *ContainerInstaller) user() string {
	if c.User != "" {
		return c.User
	}
	if uid := os.Getuid(); uid > 0 {
		return fmt.Sprintf("%d:%d", uid, os.Getgid())
	}
	return ""
}

// containerEnv adds HOME=/tmp unless env sets HOME; the invoking uid
// usually has no home directory in the builder image.
func containerEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "HOME=") {
			return env
		}
	}
	return append(append([]string(nil), env...), "HOME=/tmp")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
