// Package docker runs a virtual X11 desktop in a container and drives it
// with xdotool.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/nstogner/deskpilot/pkg/tools"
)

const (
	ImageName     = "deskpilot-desktop:latest"
	ContainerName = "deskpilot-desktop"
	VNCPort       = "5900"
	Display       = ":99"
)

// Config configures the desktop container.
type Config struct {
	Image string
	Name  string
	// VNC publishes the container's VNC server on a random localhost port.
	VNC bool
}

// Desktop implements tools.ComputerControl against a container.
type Desktop struct {
	cli   *client.Client
	image string
	name  string
	vnc   bool
}

var _ tools.ComputerControl = (*Desktop)(nil)

// New creates a new Desktop.
func New(cfg Config) (*Desktop, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = ImageName
	}
	if cfg.Name == "" {
		cfg.Name = ContainerName
	}
	return &Desktop{cli: cli, image: cfg.Image, name: cfg.Name, vnc: cfg.VNC}, nil
}

func (d *Desktop) Close() error {
	return d.cli.Close()
}

// Stop removes the desktop container.
func (d *Desktop) Stop(ctx context.Context) error {
	return d.cli.ContainerRemove(ctx, d.name, types.ContainerRemoveOptions{
		Force: true,
	})
}

// VNCAddress returns the host address of the VNC server, if published.
func (d *Desktop) VNCAddress(ctx context.Context) (string, error) {
	c, err := d.cli.ContainerInspect(ctx, d.name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	ports := c.NetworkSettings.Ports[nat.Port(VNCPort+"/tcp")]
	if len(ports) == 0 {
		return "", fmt.Errorf("vnc port not published")
	}
	return "127.0.0.1:" + ports[0].HostPort, nil
}

func (d *Desktop) Screenshot(ctx context.Context) ([]byte, error) {
	return d.run(ctx, "import", "-window", "root", "png:-")
}

func (d *Desktop) Click(ctx context.Context, x, y int, button string, count int) error {
	_, err := d.run(ctx, clickArgs(x, y, button, count)...)
	return err
}

func (d *Desktop) MoveMouse(ctx context.Context, x, y int) error {
	_, err := d.run(ctx, "xdotool", "mousemove", itoa(x), itoa(y))
	return err
}

func (d *Desktop) Type(ctx context.Context, text string) error {
	_, err := d.run(ctx, "xdotool", "type", "--delay", "12", "--", text)
	return err
}

func (d *Desktop) Key(ctx context.Context, key string) error {
	_, err := d.run(ctx, "xdotool", "key", "--", keysym(key))
	return err
}

func (d *Desktop) Scroll(ctx context.Context, x, y int, direction string, amount int) error {
	args, err := scrollArgs(x, y, direction, amount)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, args...)
	return err
}

// run executes a command on the desktop's display and returns its stdout.
func (d *Desktop) run(ctx context.Context, cmd ...string) ([]byte, error) {
	if err := d.ensureRunning(ctx); err != nil {
		return nil, err
	}
	return d.exec(ctx, cmd...)
}

func (d *Desktop) exec(ctx context.Context, cmd ...string) ([]byte, error) {
	slog.Debug("Desktop exec", "cmd", cmd[0], "args", len(cmd)-1)

	created, err := d.cli.ContainerExecCreate(ctx, d.name, types.ExecConfig{
		Cmd:          cmd,
		Env:          []string{"DISPLAY=" + Display},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return nil, fmt.Errorf("%s exited with %d: %s", cmd[0], inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ensureRunning checks if the container is running and starts it if not.
func (d *Desktop) ensureRunning(ctx context.Context) error {
	c, err := d.cli.ContainerInspect(ctx, d.name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return d.createAndStart(ctx)
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	if c.State.Running {
		return nil
	}

	// Start it if it exists but is stopped
	if err := d.cli.ContainerStart(ctx, d.name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return d.waitForDisplay(ctx)
}

func (d *Desktop) createAndStart(ctx context.Context) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.image); err != nil {
		return fmt.Errorf("desktop image '%s' not found, build it from desktop/Dockerfile: %w", d.image, err)
	}

	cfg := &container.Config{
		Image: d.image,
		Env:   []string{"DISPLAY=" + Display},
	}
	hostCfg := &container.HostConfig{}
	if d.vnc {
		cfg.ExposedPorts = nat.PortSet{
			nat.Port(VNCPort + "/tcp"): {},
		}
		hostCfg.PortBindings = nat.PortMap{
			nat.Port(VNCPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, d.name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	slog.Info("Desktop container started", "name", d.name, "image", d.image)
	return d.waitForDisplay(ctx)
}

// waitForDisplay polls until the X server answers.
func (d *Desktop) waitForDisplay(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for desktop display")
		case <-ticker.C:
			if _, err := d.exec(timeoutCtx, "xdotool", "getdisplaygeometry"); err == nil {
				return nil
			}
		}
	}
}
