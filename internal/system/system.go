// Package system merges a system definition with a configuration into a
// resolved parameter set and translates build/run/stop/result operations
// into compute backend calls.
package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattjoyce/crucible/internal/compute"
	"github.com/mattjoyce/crucible/internal/param"
	"github.com/mattjoyce/crucible/internal/schema"
)

// ErrUnknownParameter reports a group/name pair with no resolved parameter.
var ErrUnknownParameter = errors.New("unknown parameter")

// ErrUnknownResult reports a result name the definition does not declare.
var ErrUnknownResult = errors.New("unknown result")

// System is one resolved system instance bound to a session: the merged
// parameter set, the inherited result declarations and the descriptor of its
// compute resource. The live backend handle is not serialized; it is
// reconstructed from the descriptor on snapshot load.
type System struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	HasBuild  bool   `json:"has_build"`

	Common []*param.Parameter `json:"common_parameters"`
	Build  []*param.Parameter `json:"build_parameters"`
	Run    []*param.Parameter `json:"run_parameters"`

	Results    map[string]schema.ResultSpec `json:"results"`
	Descriptor compute.SystemDescriptor     `json:"descriptor"`

	backend compute.Backend
}

// New resolves a definition/configuration pair into a System rooted at
// localDir. The backend handle is attached but its resource is not yet
// provisioned; call CreateResource.
func New(sessionID string, def *schema.Definition, cfg *schema.Configuration,
	localDir string, ccfg compute.Config) (*System, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.System.Name != def.Name || cfg.System.Version != def.Version {
		return nil, fmt.Errorf("%w: configuration targets %s:%s but definition is %s:%s",
			schema.ErrValidation, cfg.System.Name, cfg.System.Version, def.Name, def.Version)
	}

	s := &System{
		SessionID: sessionID,
		Name:      def.Name,
		Version:   def.Version,
		HasBuild:  def.HasBuild(),
		Results:   def.Results,
	}
	for _, g := range schema.Groups() {
		params, err := param.ResolveGroup(g, def.Group(g), cfg.Group(g))
		if err != nil {
			return nil, err
		}
		s.setGroup(g, params)
	}

	mountDir := compute.MountDirFor(ccfg, localDir)
	desc, err := buildDescriptor(sessionID, def, localDir, mountDir)
	if err != nil {
		return nil, err
	}
	s.Descriptor = desc

	backend, err := compute.NewBackend(ccfg, desc)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	return s, nil
}

// buildDescriptor projects the definition into the backend-facing descriptor,
// including the full repository file list. The configuration snapshot path is
// appended to every phase command so the executed system can read its own
// resolved parameters.
func buildDescriptor(sessionID string, def *schema.Definition, localDir, mountDir string) (compute.SystemDescriptor, error) {
	workDir := path.Join(mountDir, "repository")
	cfgArg := " " + path.Join(mountDir, "inputs", "syscfg.json")

	desc := compute.SystemDescriptor{
		SessionID:  sessionID,
		Image:      def.Image,
		LocalDir:   localDir,
		MountDir:   mountDir,
		WorkDir:    workDir,
		RunCommand: def.RunCommand + cfgArg,
	}
	if def.HasBuild() {
		desc.BuildCommand = def.BuildCommand + cfgArg
	}
	if def.DeleteCommand != "" {
		desc.DeleteCommand = def.DeleteCommand + cfgArg
	}

	repoDir := filepath.Join(localDir, "repository")
	if _, err := os.Stat(repoDir); err == nil {
		err := filepath.WalkDir(repoDir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(repoDir, p)
			if err != nil {
				return err
			}
			desc.Files = append(desc.Files, compute.File{
				Source:      p,
				Destination: path.Join(workDir, filepath.ToSlash(rel)),
			})
			return nil
		})
		if err != nil {
			return desc, fmt.Errorf("collect repository files: %w", err)
		}
	}
	return desc, nil
}

// AttachBackend reconstructs the backend handle from the persisted descriptor
// and verifies the resource still exists.
func (s *System) AttachBackend(ctx context.Context, ccfg compute.Config) error {
	backend, err := compute.NewBackend(ccfg, s.Descriptor)
	if err != nil {
		return err
	}
	if err := backend.Reattach(ctx); err != nil {
		return err
	}
	s.backend = backend
	return nil
}

// CreateResource provisions the session's backend resource.
func (s *System) CreateResource(ctx context.Context, progress compute.ProgressFunc) error {
	return s.backend.CreateResource(ctx, progress)
}

// Group returns the resolved parameters of one group.
func (s *System) Group(g schema.Group) []*param.Parameter {
	switch g {
	case schema.GroupCommon:
		return s.Common
	case schema.GroupBuild:
		return s.Build
	case schema.GroupRun:
		return s.Run
	}
	return nil
}

func (s *System) setGroup(g schema.Group, params []*param.Parameter) {
	switch g {
	case schema.GroupCommon:
		s.Common = params
	case schema.GroupBuild:
		s.Build = params
	case schema.GroupRun:
		s.Run = params
	}
}

// Find returns the parameter with the given group and name.
func (s *System) Find(g schema.Group, name string) (*param.Parameter, error) {
	for _, p := range s.Group(g) {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownParameter, g, name)
}

// UpdateParameter sets a new value on a resolved parameter.
func (s *System) UpdateParameter(g schema.Group, name string, value any) error {
	p, err := s.Find(g, name)
	if err != nil {
		return err
	}
	return p.Update(value)
}

// UploadParameterFile writes explicit byte content for a file parameter,
// staging it directly.
func (s *System) UploadParameterFile(g schema.Group, name, fileName string, content []byte) error {
	p, err := s.Find(g, name)
	if err != nil {
		return err
	}
	return p.Upload(s.stagePaths(), g, fileName, content)
}

// ResetParameter restores a parameter to its definition default.
func (s *System) ResetParameter(g schema.Group, name string) error {
	p, err := s.Find(g, name)
	if err != nil {
		return err
	}
	p.Reset()
	return nil
}

func (s *System) stagePaths() param.StagePaths {
	return param.StagePaths{LocalDir: s.Descriptor.LocalDir, MountDir: s.Descriptor.MountDir}
}

// phaseGroups returns the groups whose parameters feed the given phase.
func phaseGroups(phase schema.Group) []schema.Group {
	return []schema.Group{schema.GroupCommon, phase}
}

// Execute stages pending files for the phase, writes the configuration
// snapshot, transfers the batch and runs the phase command. The phase is
// GroupBuild or GroupRun. On success all transferred files are marked
// available and the captured output is returned.
func (s *System) Execute(ctx context.Context, phase schema.Group, timeout time.Duration,
	progress compute.ProgressFunc) (string, error) {
	if phase != schema.GroupBuild && phase != schema.GroupRun {
		return "", fmt.Errorf("%w: cannot execute phase %q", schema.ErrValidation, phase)
	}

	sp := s.stagePaths()
	var staged []*param.Parameter
	var files []compute.File
	for _, g := range phaseGroups(phase) {
		for _, p := range s.Group(g) {
			if p.File == nil {
				continue
			}
			if p.File.State == param.FileStatePending {
				if err := p.Stage(sp, g); err != nil {
					return "", err
				}
			}
			if p.File.State == param.FileStateStaged {
				staged = append(staged, p)
				files = append(files, compute.File{
					Source:      p.File.LocalPath,
					Destination: p.File.ContainerPath,
				})
			}
		}
	}

	snapshot, err := s.writeConfigurationSnapshot()
	if err != nil {
		return "", err
	}
	files = append(files, compute.File{
		Source:      snapshot,
		Destination: path.Join(s.Descriptor.MountDir, "inputs", "syscfg.json"),
	})

	var output string
	if phase == schema.GroupBuild {
		output, err = s.backend.BuildSystem(ctx, files, timeout, progress)
	} else {
		output, err = s.backend.RunSystem(ctx, files, timeout, progress)
	}
	if err != nil {
		return output, err
	}
	for _, p := range staged {
		p.MarkFileAvailable()
	}
	return output, nil
}

// writeConfigurationSnapshot materializes the current resolved configuration
// under the session's inputs directory.
func (s *System) writeConfigurationSnapshot() (string, error) {
	dir := filepath.Join(s.Descriptor.LocalDir, "inputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inputs directory: %w", err)
	}
	cfg := s.CurrentConfiguration()
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode configuration snapshot: %w", err)
	}
	file := filepath.Join(dir, "syscfg.json")
	if err := os.WriteFile(file, raw, 0o644); err != nil {
		return "", fmt.Errorf("write configuration snapshot: %w", err)
	}
	return file, nil
}

// CurrentConfiguration projects the resolved parameters back into a
// configuration document. File parameters render as the path the executed
// system sees, or as their origin while no container path is set.
func (s *System) CurrentConfiguration() schema.Configuration {
	cfg := schema.Configuration{
		Format: schema.ConfigurationFormat,
		System: schema.SystemRef{Name: s.Name, Version: s.Version},
	}
	for _, g := range schema.Groups() {
		params := s.Group(g)
		if len(params) == 0 {
			continue
		}
		overrides := make(map[string]schema.Override, len(params))
		for _, p := range params {
			if p.File != nil && p.File.ContainerPath != "" {
				overrides[p.Name] = schema.Override{Value: p.File.ContainerPath}
				continue
			}
			overrides[p.Name] = schema.Override{Value: p.Value}
		}
		cfg.SetGroup(g, overrides)
	}
	return cfg
}

// ResultAvailability evaluates whether a declared result can be fetched given
// the session state, short-circuiting on the first failing condition.
func (s *System) ResultAvailability(name string, state schema.State) (schema.ResultInfo, error) {
	spec, ok := s.Results[name]
	if !ok {
		return schema.ResultInfo{}, fmt.Errorf("%w: %q", ErrUnknownResult, name)
	}
	info := schema.ResultInfo{Name: name, Type: spec.Type}

	if len(spec.EnabledBy) == 0 {
		if state != schema.StateRan {
			info.Message = fmt.Sprintf("system has not completed a run (state is %q)", state)
			return info, nil
		}
		info.Available = true
		return info, nil
	}

	for _, ref := range spec.EnabledBy {
		group, pname, err := schema.SplitEnabler(ref)
		if err != nil {
			return schema.ResultInfo{}, err
		}
		p, err := s.Find(group, pname)
		if err != nil {
			return schema.ResultInfo{}, fmt.Errorf("%w: result %q enabling parameter %s/%s does not exist",
				schema.ErrValidation, name, group, pname)
		}
		enabled, isBool := p.Bool()
		if !isBool {
			return schema.ResultInfo{}, fmt.Errorf("%w: result %q enabling parameter %q is not boolean",
				schema.ErrValidation, name, pname)
		}
		if !enabled {
			info.Message = fmt.Sprintf("parameter %q is false", pname)
			return info, nil
		}
		switch group {
		case schema.GroupBuild:
			switch state {
			case schema.StateBuilt, schema.StateRunning, schema.StateRan, schema.StateFailedRun:
			default:
				info.Message = fmt.Sprintf("system has not been built (state is %q)", state)
				return info, nil
			}
		case schema.GroupRun:
			if state != schema.StateRan {
				info.Message = fmt.Sprintf("system has not completed a run (state is %q)", state)
				return info, nil
			}
		}
	}
	info.Available = true
	return info, nil
}

// ListResults evaluates availability for every declared result.
func (s *System) ListResults(state schema.State) ([]schema.ResultInfo, error) {
	names := make([]string, 0, len(s.Results))
	for name := range s.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]schema.ResultInfo, 0, len(names))
	for _, name := range names {
		info, err := s.ResultAvailability(name, state)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// GetResult fetches an available result into the session's results directory
// and returns its local path.
func (s *System) GetResult(ctx context.Context, name string, state schema.State) (string, error) {
	info, err := s.ResultAvailability(name, state)
	if err != nil {
		return "", err
	}
	if !info.Available {
		return "", fmt.Errorf("%w: result %q is not available: %s", schema.ErrValidation, name, info.Message)
	}
	return s.backend.GetResult(ctx, s.Results[name].Path)
}

// Stop asks the backend to terminate the currently executing command.
func (s *System) Stop(ctx context.Context) error {
	return s.backend.StopCommand(ctx)
}

// Remove tears down the backend resource.
func (s *System) Remove(ctx context.Context) error {
	return s.backend.RemoveResource(ctx)
}
