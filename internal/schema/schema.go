// Package schema defines the typed documents the engine exchanges with its
// callers: system definitions, system configurations and session info. The
// documents are JSON on the wire and carry versioned format tags; unknown
// tags are rejected.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format tags recognized by this build. Documents carrying any other tag are
// rejected at the boundary.
const (
	DefinitionFormat    = "sysdef:0.4"
	ConfigurationFormat = "syscfg:0.3"
	SessionInfoFormat   = "sessioninfo:0.3"
)

// ErrValidation marks malformed or cross-inconsistent documents. Callers
// branch on it with errors.Is.
var ErrValidation = errors.New("validation error")

// State is the lifecycle state of a session.
type State string

const (
	StateCreated     State = "created"
	StateBuilding    State = "building"
	StateBuilt       State = "built"
	StateFailedBuild State = "failed build"
	StateRunning     State = "running"
	StateRan         State = "ran"
	StateFailedRun   State = "failed run"
)

// Group partitions parameters by the lifecycle phase that consumes them.
type Group string

const (
	GroupCommon Group = "common"
	GroupBuild  Group = "build"
	GroupRun    Group = "run"
)

// Groups returns all parameter groups in their canonical order.
func Groups() []Group {
	return []Group{GroupCommon, GroupBuild, GroupRun}
}

// ParseGroup converts a wire string into a Group.
func ParseGroup(s string) (Group, error) {
	switch Group(s) {
	case GroupCommon, GroupBuild, GroupRun:
		return Group(s), nil
	}
	return "", fmt.Errorf("%w: unknown parameter group %q", ErrValidation, s)
}

// ResultType is the artifact type of a declared result.
type ResultType string

const (
	ResultBinary       ResultType = "binary"
	ResultText         ResultType = "text"
	ResultVCDTrace     ResultType = "vcd"
	ResultFSTTrace     ResultType = "fst"
	ResultPerformance  ResultType = "performance"
	ResultSimSpeed     ResultType = "simulation_speed"
	ResultJUnitXML     ResultType = "junit_xml"
	ResultProfileGprof ResultType = "gprof"
	ResultProfileCSV   ResultType = "profile_csv"
)

// Range is a numeric bounds constraint on a parameter default and its updates.
type Range struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ParameterSpec is one definition-side parameter: a primitive default,
// optionally constrained by an enumerated set, numeric bounds, or marked as a
// file path.
type ParameterSpec struct {
	Default     any
	Enum        []any
	Range       *Range
	IsFile      bool
	Description string
}

// UnmarshalJSON accepts either a bare primitive default or the complex form
// {default_value, meta, description}.
func (p *ParameterSpec) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		p.Default = raw
		return nil
	}
	if _, ok := obj["default_value"]; !ok {
		return fmt.Errorf("complex parameter is missing default_value")
	}

	var cm struct {
		Default     any             `json:"default_value"`
		Meta        json.RawMessage `json:"meta"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(data, &cm); err != nil {
		return err
	}
	p.Default = cm.Default
	p.Description = cm.Description
	if len(cm.Meta) == 0 || string(cm.Meta) == "null" {
		return nil
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal(cm.Meta, &meta); err != nil {
		return fmt.Errorf("decode parameter meta: %w", err)
	}
	switch {
	case meta["values"] != nil:
		if err := json.Unmarshal(meta["values"], &p.Enum); err != nil {
			return fmt.Errorf("decode enum values: %w", err)
		}
	case meta["lower"] != nil || meta["upper"] != nil:
		var r Range
		if err := json.Unmarshal(cm.Meta, &r); err != nil {
			return fmt.Errorf("decode range bounds: %w", err)
		}
		p.Range = &r
	case meta["is_file"] != nil:
		var isFile bool
		if err := json.Unmarshal(meta["is_file"], &isFile); err != nil {
			return fmt.Errorf("decode is_file flag: %w", err)
		}
		p.IsFile = isFile
	default:
		return fmt.Errorf("unrecognized parameter meta")
	}
	return nil
}

// MarshalJSON emits the complex form when the spec carries any metadata.
func (p ParameterSpec) MarshalJSON() ([]byte, error) {
	if p.Enum == nil && p.Range == nil && !p.IsFile && p.Description == "" {
		return json.Marshal(p.Default)
	}
	var meta any
	switch {
	case p.Enum != nil:
		meta = map[string]any{"values": p.Enum}
	case p.Range != nil:
		meta = p.Range
	case p.IsFile:
		meta = map[string]any{"is_file": true}
	}
	out := map[string]any{"default_value": p.Default}
	if meta != nil {
		out["meta"] = meta
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	return json.Marshal(out)
}

// validate checks the default against the spec's own constraint. Violations
// fail at definition-parse time, never at use time.
func (p *ParameterSpec) validate(name string) error {
	switch {
	case p.Enum != nil:
		if len(p.Enum) == 0 {
			return fmt.Errorf("%w: enum parameter %q has no values", ErrValidation, name)
		}
		if ValueKind(p.Default) != ValueKind(p.Enum[0]) {
			return fmt.Errorf("%w: default of enum parameter %q has type %s, values have type %s",
				ErrValidation, name, ValueKind(p.Default), ValueKind(p.Enum[0]))
		}
		if !EnumContains(p.Enum, p.Default) {
			return fmt.Errorf("%w: default %v of enum parameter %q is not a member of its value set",
				ErrValidation, p.Default, name)
		}
	case p.Range != nil:
		n, ok := AsNumber(p.Default)
		if !ok {
			return fmt.Errorf("%w: default of range parameter %q is not numeric", ErrValidation, name)
		}
		if n < p.Range.Lower || n > p.Range.Upper {
			return fmt.Errorf("%w: default %v of range parameter %q is outside [%v, %v]",
				ErrValidation, p.Default, name, p.Range.Lower, p.Range.Upper)
		}
	case p.IsFile:
		if _, ok := p.Default.(string); !ok {
			return fmt.Errorf("%w: default of file parameter %q is not a path string", ErrValidation, name)
		}
	}
	return nil
}

// ResultSpec declares one named artifact a system may produce.
type ResultSpec struct {
	Type        ResultType `json:"type"`
	Path        string     `json:"path"`
	EnabledBy   []string   `json:"enabled_by,omitempty"`
	Description string     `json:"description,omitempty"`
}

// SplitEnabler parses a "group/name" enabling reference.
func SplitEnabler(ref string) (Group, string, error) {
	parts := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: enabling reference %q is not of the form group/name", ErrValidation, ref)
	}
	group, err := ParseGroup(strings.TrimSuffix(parts[0], "_parameters"))
	if err != nil {
		return "", "", err
	}
	return group, parts[1], nil
}

// Definition is the immutable, versioned specification of a system: image,
// commands, parameter schema and declared results.
type Definition struct {
	Format           string                   `json:"dataformat,omitempty"`
	Name             string                   `json:"name"`
	Version          string                   `json:"version"`
	Image            string                   `json:"image"`
	BuildCommand     string                   `json:"build_command,omitempty"`
	RunCommand       string                   `json:"run_command"`
	DeleteCommand    string                   `json:"delete_command,omitempty"`
	CommonParameters map[string]ParameterSpec `json:"common_parameters,omitempty"`
	BuildParameters  map[string]ParameterSpec `json:"build_parameters,omitempty"`
	RunParameters    map[string]ParameterSpec `json:"run_parameters,omitempty"`
	Results          map[string]ResultSpec    `json:"results,omitempty"`
}

// Group returns the parameter map for the given group tag.
func (d *Definition) Group(g Group) map[string]ParameterSpec {
	switch g {
	case GroupCommon:
		return d.CommonParameters
	case GroupBuild:
		return d.BuildParameters
	case GroupRun:
		return d.RunParameters
	}
	return nil
}

// HasBuild reports whether the definition declares a non-empty build command.
func (d *Definition) HasBuild() bool {
	return strings.TrimSpace(d.BuildCommand) != ""
}

// Validate checks the document's format tag, mandatory fields, per-parameter
// constraints and the enabled_by references of all results.
func (d *Definition) Validate() error {
	if d.Format != "" && d.Format != DefinitionFormat {
		return fmt.Errorf("%w: unrecognized definition format tag %q (expected %q)",
			ErrValidation, d.Format, DefinitionFormat)
	}
	if d.Name == "" || d.Version == "" {
		return fmt.Errorf("%w: definition is missing name or version", ErrValidation)
	}
	if d.Image == "" {
		return fmt.Errorf("%w: definition %s:%s has no image", ErrValidation, d.Name, d.Version)
	}
	if strings.TrimSpace(d.RunCommand) == "" {
		return fmt.Errorf("%w: definition %s:%s has no run_command", ErrValidation, d.Name, d.Version)
	}
	for _, g := range Groups() {
		for name, spec := range d.Group(g) {
			if err := spec.validate(name); err != nil {
				return err
			}
		}
	}
	for name, res := range d.Results {
		if res.Path == "" {
			return fmt.Errorf("%w: result %q has no path", ErrValidation, name)
		}
		for _, ref := range res.EnabledBy {
			group, pname, err := SplitEnabler(ref)
			if err != nil {
				return err
			}
			spec, ok := d.Group(group)[pname]
			if !ok {
				return fmt.Errorf("%w: result %q enabling parameter %q does not exist in group %q",
					ErrValidation, name, pname, group)
			}
			if _, isBool := spec.Default.(bool); !isBool {
				return fmt.Errorf("%w: result %q enabling parameter %q is not boolean",
					ErrValidation, name, pname)
			}
		}
	}
	return nil
}

// FileSource is a URL-based file override with an optional credential token.
type FileSource struct {
	URL         string `json:"url"`
	Credentials string `json:"credentials,omitempty"`
}

// Override is one configuration-side parameter value: a primitive, a file
// source, or an explicit null (which keeps the definition default).
type Override struct {
	Value any
	File  *FileSource
	Null  bool
}

func (o *Override) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		o.Null = true
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if obj, ok := raw.(map[string]any); ok {
		if _, ok := obj["url"]; !ok {
			return fmt.Errorf("object override must carry a url field")
		}
		var fs FileSource
		if err := json.Unmarshal(data, &fs); err != nil {
			return err
		}
		o.File = &fs
		return nil
	}
	o.Value = raw
	return nil
}

func (o Override) MarshalJSON() ([]byte, error) {
	switch {
	case o.Null:
		return []byte("null"), nil
	case o.File != nil:
		return json.Marshal(o.File)
	default:
		return json.Marshal(o.Value)
	}
}

// SystemRef identifies a system by name and version.
type SystemRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Configuration is the user-supplied concrete parameter values for one
// system.
type Configuration struct {
	Format           string              `json:"dataformat,omitempty"`
	System           SystemRef           `json:"system"`
	CommonParameters map[string]Override `json:"common_parameters,omitempty"`
	BuildParameters  map[string]Override `json:"build_parameters,omitempty"`
	RunParameters    map[string]Override `json:"run_parameters,omitempty"`
}

// Group returns the override map for the given group tag.
func (c *Configuration) Group(g Group) map[string]Override {
	switch g {
	case GroupCommon:
		return c.CommonParameters
	case GroupBuild:
		return c.BuildParameters
	case GroupRun:
		return c.RunParameters
	}
	return nil
}

// SetGroup replaces the override map for the given group tag.
func (c *Configuration) SetGroup(g Group, m map[string]Override) {
	switch g {
	case GroupCommon:
		c.CommonParameters = m
	case GroupBuild:
		c.BuildParameters = m
	case GroupRun:
		c.RunParameters = m
	}
}

// Validate checks the document's format tag and system identity.
func (c *Configuration) Validate() error {
	if c.Format != "" && c.Format != ConfigurationFormat {
		return fmt.Errorf("%w: unrecognized configuration format tag %q (expected %q)",
			ErrValidation, c.Format, ConfigurationFormat)
	}
	if c.System.Name == "" || c.System.Version == "" {
		return fmt.Errorf("%w: configuration is missing system name or version", ErrValidation)
	}
	return nil
}

// LogEntry is one timestamped, producer-tagged message in a session's
// append-only log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Producer  string    `json:"producer"`
	Message   string    `json:"message"`
}

// SessionInfo is the full caller-facing projection of one session.
type SessionInfo struct {
	Format        string        `json:"dataformat,omitempty"`
	DisplayName   string        `json:"display_name"`
	SystemName    string        `json:"system_name"`
	SystemVersion string        `json:"system_version"`
	Creator       string        `json:"creator_name"`
	CreatedAt     time.Time     `json:"creation_date"`
	Description   string        `json:"session_description"`
	State         State         `json:"session_state"`
	Log           []LogEntry    `json:"session_logs"`
	Configuration Configuration `json:"syscfg"`
}

// ResultInfo reports the availability of one declared result.
type ResultInfo struct {
	Name      string     `json:"name"`
	Type      ResultType `json:"type"`
	Available bool       `json:"is_available"`
	Message   string     `json:"message,omitempty"`
}

// ValueKind reports the primitive kind of a JSON-decoded parameter value:
// "string", "bool", "number" or "unknown".
func ValueKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, int, int64:
		return "number"
	}
	return "unknown"
}

// AsNumber converts a JSON-decoded value to float64 when it is numeric.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// EnumContains reports membership of v in the enumerated set, comparing
// numbers by value so 2 and 2.0 match.
func EnumContains(values []any, v any) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
		cn, cok := AsNumber(candidate)
		vn, vok := AsNumber(v)
		if cok && vok && cn == vn {
			return true
		}
	}
	return false
}
