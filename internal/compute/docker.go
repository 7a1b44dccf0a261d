package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/crucible/internal/log"
)

const (
	// deleteCommandTimeout bounds the definition's optional cleanup command
	// during resource teardown.
	deleteCommandTimeout = 10 * time.Second

	volumePrefix    = "crucible_session_volume_"
	containerPrefix = "crucible_session_container_"
)

// proxyEnvNames are forwarded from the host into the execution environment
// when present.
var proxyEnvNames = []string{
	"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY", "no_proxy", "NO_PROXY",
}

// Docker executes session commands in run-to-completion containers sharing a
// dedicated per-session volume. It drives the container engine through its
// CLI; the handle itself carries no live connection and can always be rebuilt
// from the descriptor.
type Docker struct {
	desc   SystemDescriptor
	bin    string
	volume string
	logger *slog.Logger
}

var _ Backend = (*Docker)(nil)

func newDocker(cfg Config, desc SystemDescriptor) *Docker {
	return &Docker{
		desc:   desc,
		bin:    cfg.DockerBinary,
		volume: volumePrefix + desc.SessionID,
		logger: log.WithComponent("compute.docker").With("session_id", desc.SessionID),
	}
}

func (d *Docker) containerName() string {
	return containerPrefix + d.desc.SessionID
}

// CreateResource provisions the session volume and seeds it with the
// descriptor's file list.
func (d *Docker) CreateResource(ctx context.Context, progress ProgressFunc) error {
	if _, err := d.cli(ctx, nil, "volume", "create", d.volume); err != nil {
		return fmt.Errorf("create session volume %q: %w", d.volume, err)
	}
	if err := d.copyIn(ctx, d.desc.Files); err != nil {
		return err
	}
	d.logger.Debug("session volume created", "volume", d.volume)
	return nil
}

// Reattach verifies the persisted session volume still exists.
func (d *Docker) Reattach(ctx context.Context) error {
	if _, err := d.cli(ctx, nil, "volume", "inspect", d.volume); err != nil {
		return fmt.Errorf("%w: session volume %q not found: %w", ErrUnavailable, d.volume, err)
	}
	return nil
}

func (d *Docker) BuildSystem(ctx context.Context, files []File, timeout time.Duration, progress ProgressFunc) (string, error) {
	if err := d.copyIn(ctx, files); err != nil {
		return "", err
	}
	return d.execute(ctx, d.desc.BuildCommand, timeout, progress)
}

func (d *Docker) RunSystem(ctx context.Context, files []File, timeout time.Duration, progress ProgressFunc) (string, error) {
	if err := d.copyIn(ctx, files); err != nil {
		return "", err
	}
	return d.execute(ctx, d.desc.RunCommand, timeout, progress)
}

// StopCommand stops the session's currently running container.
func (d *Docker) StopCommand(ctx context.Context) error {
	name := d.containerName()
	if _, err := d.cli(ctx, nil, "inspect", name); err != nil {
		return fmt.Errorf("%w: no running container %q: %w", ErrUnavailable, name, err)
	}
	if _, err := d.cli(ctx, nil, "stop", name); err != nil {
		return fmt.Errorf("%w: stop container %q: %w", ErrResource, name, err)
	}
	return nil
}

// GetResult copies one file from the session workspace into the local
// results directory.
func (d *Docker) GetResult(ctx context.Context, resultPath string) (string, error) {
	source := path.Join(d.desc.WorkDir, resultPath)
	resultsDir := filepath.Join(d.desc.LocalDir, "results")
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}

	helper, err := d.createHelper(ctx)
	if err != nil {
		return "", err
	}
	defer d.removeHelper(context.WithoutCancel(ctx), helper)

	var buf bytes.Buffer
	if err := d.cliStream(ctx, nil, &buf, "cp", helper+":"+source, "-"); err != nil {
		return "", fmt.Errorf("%w: copy result %q: %w", ErrFileTransfer, resultPath, err)
	}
	local, err := extractArchive(&buf, resultsDir)
	if err != nil {
		return "", err
	}
	d.logger.Debug("result copied from session volume", "path", resultPath, "local", local)
	return local, nil
}

// RemoveResource kills containers still attached to the session volume, runs
// the optional delete command with a bounded timeout, and removes the volume.
func (d *Docker) RemoveResource(ctx context.Context) error {
	out, err := d.cli(ctx, nil, "ps", "-aq", "--filter", "volume="+d.volume)
	if err != nil {
		return fmt.Errorf("%w: list session containers: %w", ErrUnavailable, err)
	}
	for _, id := range strings.Fields(out) {
		if _, err := d.cli(ctx, nil, "rm", "-f", id); err != nil {
			return fmt.Errorf("%w: remove container %q: %w", ErrUnavailable, id, err)
		}
	}
	if d.desc.DeleteCommand != "" {
		if _, err := d.execute(ctx, d.desc.DeleteCommand, deleteCommandTimeout, nil); err != nil {
			d.logger.Warn("delete command failed during teardown", "error", err)
		}
	}
	if _, err := d.cli(ctx, nil, "volume", "rm", d.volume); err != nil {
		return fmt.Errorf("%w: remove session volume %q: %w", ErrUnavailable, d.volume, err)
	}
	d.logger.Debug("session volume removed", "volume", d.volume)
	return nil
}

// execute runs one command in a fresh run-to-completion container. A timeout
// is enforced as a CPU-time ulimit on the container process; this
// approximates, but is not, a wall-clock deadline.
func (d *Docker) execute(ctx context.Context, command string, timeout time.Duration, progress ProgressFunc) (string, error) {
	if err := d.pullImage(ctx); err != nil {
		return "", err
	}
	name := d.containerName()
	// a crashed earlier run may have left the name behind
	_, _ = d.cli(ctx, nil, "rm", "-f", name)

	args := []string{
		"run", "--rm",
		"--name", name,
		"--volume", d.volume + ":" + d.desc.MountDir,
		"--workdir", d.desc.WorkDir,
	}
	for _, env := range proxyEnvNames {
		if v, ok := os.LookupEnv(env); ok {
			args = append(args, "--env", env+"="+v)
		}
	}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", secs, secs))
	}
	args = append(args, d.desc.Image, "/bin/sh", "-c", command)

	d.logger.Info("container execution starting", "command", command)
	var buf bytes.Buffer
	var sink io.Writer = &buf
	if progress != nil {
		sink = io.MultiWriter(&buf, progressSink{fn: progress})
	}

	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Stdout = sink
	cmd.Stderr = sink
	err := cmd.Run()
	output := buf.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &CommandError{Output: output, ExitCode: exitErr.ExitCode()}
		}
		return output, fmt.Errorf("%w: container execution: %w", ErrUnavailable, err)
	}
	d.logger.Info("container execution finished")
	return output, nil
}

// copyIn pushes a transfer batch into the session volume through a helper
// container.
func (d *Docker) copyIn(ctx context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}
	if err := d.pullImage(ctx); err != nil {
		return err
	}
	helper, err := d.createHelper(ctx)
	if err != nil {
		return err
	}
	defer d.removeHelper(context.WithoutCancel(ctx), helper)

	var buf bytes.Buffer
	if err := writeArchive(&buf, files); err != nil {
		return err
	}
	if _, err := d.cli(ctx, &buf, "cp", "-", helper+":/"); err != nil {
		return fmt.Errorf("%w: push archive into session volume: %w", ErrFileTransfer, err)
	}
	d.logger.Debug("transfer batch copied into session volume", "files", len(files))
	return nil
}

// createHelper creates a stopped container with the session volume mounted,
// purely as a copy endpoint.
func (d *Docker) createHelper(ctx context.Context) (string, error) {
	out, err := d.cli(ctx, nil, "create", "--volume", d.volume+":"+d.desc.MountDir, d.desc.Image)
	if err != nil {
		return "", fmt.Errorf("%w: create transfer container: %w", ErrResource, err)
	}
	return strings.TrimSpace(out), nil
}

func (d *Docker) removeHelper(ctx context.Context, id string) {
	if _, err := d.cli(ctx, nil, "rm", "-f", id); err != nil {
		d.logger.Warn("failed to remove transfer container", "container", id, "error", err)
	}
}

// pullImage pulls the image when it references a registry; bare local image
// names are used as-is.
func (d *Docker) pullImage(ctx context.Context) error {
	if !strings.Contains(d.desc.Image, "/") {
		d.logger.Debug("using local image without registry", "image", d.desc.Image)
		return nil
	}
	if _, err := d.cli(ctx, nil, "pull", d.desc.Image); err != nil {
		return fmt.Errorf("%w: pull image %q: %w", ErrUnavailable, d.desc.Image, err)
	}
	return nil
}

// cli runs one docker CLI invocation, returning combined output.
func (d *Docker) cli(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	var buf bytes.Buffer
	if err := d.cliStream(ctx, stdin, &buf, args...); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

// cliStream runs one docker CLI invocation with stdout directed at the given
// writer. Stderr is captured for the error message.
func (d *Docker) cliStream(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("%w: docker binary: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// progressSink adapts an io.Writer to a ProgressFunc.
type progressSink struct {
	fn ProgressFunc
}

func (p progressSink) Write(b []byte) (int, error) {
	p.fn(0, string(b))
	return len(b), nil
}
