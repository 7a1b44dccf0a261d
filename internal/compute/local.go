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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/crucible/internal/log"
)

// termGracePeriod is how long a timed-out command gets between SIGTERM and
// SIGKILL.
const termGracePeriod = 5 * time.Second

const pidFileName = ".crucible.pid"

// Local executes session commands directly on the host inside a workspace
// directory under the session's local directory. It exists for environments
// without a container engine and for tests.
type Local struct {
	desc   SystemDescriptor
	logger *slog.Logger
}

var _ Backend = (*Local)(nil)

func newLocal(desc SystemDescriptor) *Local {
	return &Local{
		desc:   desc,
		logger: log.WithComponent("compute.local").With("session_id", desc.SessionID),
	}
}

// CreateResource creates the workspace directory and seeds it with the
// descriptor's file list.
func (l *Local) CreateResource(ctx context.Context, progress ProgressFunc) error {
	if err := os.MkdirAll(l.desc.MountDir, 0o755); err != nil {
		return fmt.Errorf("%w: create workspace %q: %w", ErrResource, l.desc.MountDir, err)
	}
	return l.copyIn(l.desc.Files)
}

// Reattach verifies the workspace directory still exists.
func (l *Local) Reattach(ctx context.Context) error {
	info, err := os.Stat(l.desc.MountDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: workspace %q not found", ErrUnavailable, l.desc.MountDir)
	}
	return nil
}

func (l *Local) BuildSystem(ctx context.Context, files []File, timeout time.Duration, progress ProgressFunc) (string, error) {
	if err := l.copyIn(files); err != nil {
		return "", err
	}
	return l.execute(ctx, l.desc.BuildCommand, timeout, progress)
}

func (l *Local) RunSystem(ctx context.Context, files []File, timeout time.Duration, progress ProgressFunc) (string, error) {
	if err := l.copyIn(files); err != nil {
		return "", err
	}
	return l.execute(ctx, l.desc.RunCommand, timeout, progress)
}

// StopCommand signals the process group recorded in the workspace pid file.
func (l *Local) StopCommand(ctx context.Context) error {
	raw, err := os.ReadFile(l.pidFile())
	if err != nil {
		return fmt.Errorf("%w: no running command for session", ErrUnavailable)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: corrupt pid file: %w", ErrResource, err)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: signal process group %d: %w", ErrResource, pid, err)
	}
	l.logger.Info("running command signalled", "pid", pid)
	return nil
}

// GetResult copies one file from the workspace into the local results
// directory.
func (l *Local) GetResult(ctx context.Context, resultPath string) (string, error) {
	source := filepath.Join(l.desc.WorkDir, resultPath)
	info, err := os.Stat(source)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: result %q not found in workspace", ErrFileTransfer, resultPath)
	}
	resultsDir := filepath.Join(l.desc.LocalDir, "results")
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}
	dest := filepath.Join(resultsDir, filepath.Base(source))
	if err := copyFile(source, dest); err != nil {
		return "", fmt.Errorf("%w: copy result %q: %w", ErrFileTransfer, resultPath, err)
	}
	return dest, nil
}

// RemoveResource runs the optional delete command and removes the workspace.
func (l *Local) RemoveResource(ctx context.Context) error {
	if l.desc.DeleteCommand != "" {
		if _, err := l.execute(ctx, l.desc.DeleteCommand, deleteCommandTimeout, nil); err != nil {
			l.logger.Warn("delete command failed during teardown", "error", err)
		}
	}
	if err := os.RemoveAll(l.desc.MountDir); err != nil {
		return fmt.Errorf("%w: remove workspace %q: %w", ErrResource, l.desc.MountDir, err)
	}
	l.logger.Debug("workspace removed", "workspace", l.desc.MountDir)
	return nil
}

// execute runs one shell command in the workspace with a wall-clock timeout.
// On timeout the whole process group gets SIGTERM, then SIGKILL after a grace
// period.
func (l *Local) execute(ctx context.Context, command string, timeout time.Duration, progress ProgressFunc) (string, error) {
	if err := os.MkdirAll(l.desc.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create work directory: %w", ErrResource, err)
	}

	var buf bytes.Buffer
	var sink io.Writer = &buf
	if progress != nil {
		sink = io.MultiWriter(&buf, progressSink{fn: progress})
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = l.desc.WorkDir
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	l.logger.Info("local execution starting", "command", command)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: start command: %w", ErrUnavailable, err)
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(l.pidFile(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		l.logger.Warn("failed to write pid file", "error", err)
	}
	defer os.Remove(l.pidFile())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer:
		timedOut = true
		l.logger.Warn("command timed out, terminating process group", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(termGracePeriod):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			waitErr = <-done
		}
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
		return buf.String(), ctx.Err()
	}

	output := buf.String()
	if timedOut {
		return output, fmt.Errorf("%w: command exceeded %s", ErrTimeout, timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return output, &CommandError{Output: output, ExitCode: exitErr.ExitCode()}
		}
		return output, fmt.Errorf("%w: wait for command: %w", ErrUnavailable, waitErr)
	}
	l.logger.Info("local execution finished")
	return output, nil
}

// copyIn materializes a transfer batch directly into the workspace. File
// destinations are absolute paths under the workspace root.
func (l *Local) copyIn(files []File) error {
	for _, f := range files {
		info, err := os.Stat(f.Source)
		if err != nil {
			return fmt.Errorf("%w: stat %q: %w", ErrFileTransfer, f.Source, err)
		}
		if info.IsDir() {
			if err := copyTree(f.Source, f.Destination); err != nil {
				return fmt.Errorf("%w: copy directory %q: %w", ErrFileTransfer, f.Source, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.Destination), 0o755); err != nil {
			return fmt.Errorf("%w: create directory for %q: %w", ErrFileTransfer, f.Destination, err)
		}
		if err := copyFile(f.Source, f.Destination); err != nil {
			return fmt.Errorf("%w: copy %q: %w", ErrFileTransfer, f.Source, err)
		}
	}
	return nil
}

func (l *Local) pidFile() string {
	return filepath.Join(l.desc.MountDir, pidFileName)
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(source, dest string) error {
	return filepath.WalkDir(source, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}
