// Package compute abstracts the execution environment a session builds and
// runs its system in. The backend owns one isolated per-session resource and
// exposes lifecycle operations against it. Implementations form a closed set
// selected by configuration: a container engine and a host-process variant.
package compute

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"
)

// Error taxonomy. Every operation may fail with one of these conditions;
// callers branch with errors.Is / errors.As.
var (
	// ErrUnavailable: the compute resource is missing or unreachable.
	ErrUnavailable = errors.New("compute resource unavailable")
	// ErrCredentials: the backend rejected the engine's credentials.
	ErrCredentials = errors.New("compute credentials invalid")
	// ErrResource: a generic failure of the compute resource.
	ErrResource = errors.New("compute resource error")
	// ErrTimeout: a command exceeded its allotted time.
	ErrTimeout = errors.New("compute command timed out")
	// ErrFileTransfer: a file could not be copied to or from the backend.
	ErrFileTransfer = errors.New("compute file transfer failed")
)

// CommandError reports a build/run command that completed with a non-zero
// exit status. The captured output is embedded.
type CommandError struct {
	Output   string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed with exit status %d\n%s", e.ExitCode, e.Output)
}

// ProgressFunc receives streamed output chunks while a backend operation is
// in flight. percent is 0..100 when known, 0 otherwise.
type ProgressFunc func(percent int, message string)

// File is one (source, destination) pair of a transfer batch. Source is a
// path on the engine host; Destination is a path in the perspective of the
// execution environment.
type File struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SystemDescriptor is the backend-facing projection of a system. It is plain
// data: the descriptor is persisted with the session snapshot while the live
// backend handle is reconstructed from it on load.
type SystemDescriptor struct {
	// SessionID ties the backend resource to its session.
	SessionID string `json:"session_id"`
	// Image is the container image reference.
	Image string `json:"image"`
	// LocalDir is the session's directory on the engine host (staged inputs,
	// fetched results).
	LocalDir string `json:"local_dir"`
	// MountDir is the root the backend mounts the session storage at. All
	// File destinations live under it.
	MountDir string `json:"mount_dir"`
	// WorkDir is the command working directory, a subdirectory of MountDir.
	WorkDir string `json:"work_dir"`

	BuildCommand  string `json:"build_command,omitempty"`
	RunCommand    string `json:"run_command"`
	DeleteCommand string `json:"delete_command,omitempty"`

	// Files seed the resource at creation (the system's repository tree).
	Files []File `json:"files"`
	// Requirements carries resource demands (cpus, memory); advisory.
	Requirements map[string]string `json:"requirements,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/mattjoyce/crucible/internal/compute Backend

// Backend is the lifecycle contract against one per-session execution
// environment.
type Backend interface {
	// CreateResource provisions the isolated per-session storage and seeds it
	// with the descriptor's file list.
	CreateResource(ctx context.Context, progress ProgressFunc) error

	// Reattach reconstructs the live handle after a snapshot load and
	// verifies the persisted resource still exists.
	Reattach(ctx context.Context) error

	// BuildSystem stages extra files, then executes the build command.
	// Blocks until the command finishes; returns the captured output.
	BuildSystem(ctx context.Context, files []File, timeout time.Duration, progress ProgressFunc) (string, error)

	// RunSystem stages extra files, then executes the run command.
	RunSystem(ctx context.Context, files []File, timeout time.Duration, progress ProgressFunc) (string, error)

	// StopCommand terminates whatever command is currently executing for
	// this session. Best effort.
	StopCommand(ctx context.Context) error

	// GetResult copies one file out of the execution environment into the
	// session's results directory and returns its local path.
	GetResult(ctx context.Context, resultPath string) (string, error)

	// RemoveResource tears down any running execution, runs the optional
	// delete command, and destroys the session storage.
	RemoveResource(ctx context.Context) error
}

// Kind names a backend variant.
type Kind string

const (
	KindDocker Kind = "docker"
	KindLocal  Kind = "local"
)

// Config selects and parameterizes the backend variant.
type Config struct {
	Backend Kind `yaml:"backend"`
	// MountDir is the in-container mount point for the docker backend.
	MountDir string `yaml:"mount_dir"`
	// DockerBinary overrides the docker CLI path.
	DockerBinary string `yaml:"docker_binary"`
}

// Defaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = KindDocker
	}
	if c.MountDir == "" {
		c.MountDir = "/crucible"
	}
	if c.DockerBinary == "" {
		c.DockerBinary = "docker"
	}
	return c
}

// Validate rejects unknown backend kinds.
func (c Config) Validate() error {
	switch c.Backend {
	case "", KindDocker, KindLocal:
		return nil
	}
	return fmt.Errorf("unknown compute backend %q", c.Backend)
}

// MountDirFor derives the mount root a descriptor should use: the configured
// in-container path for docker, a workspace directory under the session dir
// for the local backend.
func MountDirFor(cfg Config, localDir string) string {
	cfg = cfg.withDefaults()
	if cfg.Backend == KindLocal {
		return filepath.Join(localDir, "workspace")
	}
	return cfg.MountDir
}

// NewBackend constructs the configured backend variant for a descriptor. The
// resource is not provisioned; call CreateResource (fresh sessions) or
// Reattach (snapshot loads).
func NewBackend(cfg Config, desc SystemDescriptor) (Backend, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case KindDocker:
		return newDocker(cfg, desc), nil
	case KindLocal:
		return newLocal(desc), nil
	}
	return nil, fmt.Errorf("unknown compute backend %q", cfg.Backend)
}

// ContainerInputPath derives the deterministic in-environment path of a
// staged input file.
func ContainerInputPath(mountDir string, group, parameter, fileName string) string {
	return path.Join(mountDir, "inputs", group, parameter, fileName)
}
