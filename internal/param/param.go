// Package param implements resolved session parameters: the merge of a
// definition-side spec with an optional configuration-side override, and the
// staging pipeline for file-typed parameters.
package param

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/schema"
)

// ErrNotFile is returned when a file operation targets a non-file parameter.
var ErrNotFile = errors.New("parameter is not a file")

// Parameter is one resolved, typed, mutable session parameter. It is
// constructed once when the system is parsed and mutated in place for the
// life of the session.
type Parameter struct {
	Name        string        `json:"name"`
	Value       any           `json:"value"`
	Default     any           `json:"default"`
	Overwritten bool          `json:"overwritten"`
	Enum        []any         `json:"enum,omitempty"`
	Range       *schema.Range `json:"range,omitempty"`
	File        *FileData     `json:"file,omitempty"`
}

// Resolve merges a definition parameter spec with an optional configuration
// override into a single resolved parameter. A nil or explicit-null override
// keeps the definition default.
func Resolve(name string, spec schema.ParameterSpec, override *schema.Override) (*Parameter, error) {
	p := &Parameter{
		Name:    name,
		Value:   spec.Default,
		Default: spec.Default,
		Enum:    spec.Enum,
		Range:   spec.Range,
	}
	if override != nil && !override.Null {
		p.Overwritten = true
		if override.File != nil {
			p.Value = override.File.URL
		} else {
			p.Value = override.Value
		}
	}

	if spec.IsFile {
		defaultPath, ok := spec.Default.(string)
		if !ok {
			return nil, fmt.Errorf("%w: default of file parameter %q is not a path string",
				schema.ErrValidation, name)
		}
		p.File = &FileData{DefaultPath: defaultPath}
		if p.Overwritten {
			// The override is the file's origin; content arrives later via
			// staging or upload.
			p.File.State = FileStatePending
			if override.File != nil {
				p.File.OriginPath = override.File.URL
				if override.File.Credentials != "" {
					p.File.Credentials = []byte(override.File.Credentials)
				}
			} else {
				origin, ok := override.Value.(string)
				if !ok {
					return nil, fmt.Errorf("%w: override of file parameter %q is not a path or URL",
						schema.ErrValidation, name)
				}
				p.File.OriginPath = origin
			}
		} else {
			p.File.State = FileStateDefault
			p.File.ContainerPath = defaultPath
		}
		return p, nil
	}

	if p.Overwritten {
		if err := p.checkConstraint(p.Value); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ResolveGroup resolves one whole definition group against its configuration
// group. Every configuration key must exist in the definition group.
func ResolveGroup(group schema.Group, specs map[string]schema.ParameterSpec,
	overrides map[string]schema.Override) ([]*Parameter, error) {

	if specs == nil && len(overrides) > 0 {
		return nil, fmt.Errorf("%w: configuration group %q has no counterpart in the definition",
			schema.ErrValidation, group)
	}
	for name := range overrides {
		if _, ok := specs[name]; !ok {
			return nil, fmt.Errorf("%w: configuration parameter %q does not exist in definition group %q",
				schema.ErrValidation, name, group)
		}
	}

	params := make([]*Parameter, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for name, spec := range specs {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: parameter %q is defined more than once in group %q",
				schema.ErrValidation, name, group)
		}
		seen[name] = struct{}{}

		var override *schema.Override
		if o, ok := overrides[name]; ok {
			override = &o
		}
		p, err := Resolve(name, spec, override)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// Update replaces the parameter's value. Booleans accept "true"/"false"
// strings, numbers accept numeric strings; constraints are re-checked. For a
// file parameter a string value becomes the new origin and the file returns
// to pending.
func (p *Parameter) Update(value any) error {
	if p.File != nil {
		origin, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: file parameter %q takes a path or URL", schema.ErrValidation, p.Name)
		}
		p.File.Reset(p.File.DefaultPath)
		p.File.OriginPath = origin
		p.File.ContainerPath = ""
		p.File.State = FileStatePending
		p.Value = origin
		log.WithComponent("param").Debug("file parameter origin updated", "name", p.Name, "origin", origin)
		return nil
	}

	coerced := coerce(p.Value, value)
	if err := p.checkConstraint(coerced); err != nil {
		return err
	}
	p.Value = coerced
	return nil
}

// Reset restores the parameter's recorded default. For file parameters any
// locally staged copy is deleted. The overwritten flag records resolution-time
// state and is left alone. Reset is idempotent.
func (p *Parameter) Reset() {
	if p.File != nil {
		p.File.Reset(p.File.DefaultPath)
	}
	p.Value = p.Default
}

// Bool returns the parameter value as a boolean, reporting whether it is one.
func (p *Parameter) Bool() (bool, bool) {
	b, ok := p.Value.(bool)
	return b, ok
}

// MarkFileAvailable advances a staged file to available. Called only after
// the backend confirmed the transfer batch.
func (p *Parameter) MarkFileAvailable() {
	if p.File != nil && p.File.State == FileStateStaged {
		p.File.State = FileStateAvailable
	}
}

// checkConstraint validates a candidate value against the parameter's enum or
// range metadata.
func (p *Parameter) checkConstraint(value any) error {
	switch {
	case p.Enum != nil:
		if !schema.EnumContains(p.Enum, value) {
			return fmt.Errorf("%w: value %v of parameter %q is not a member of its enumerated set",
				schema.ErrValidation, value, p.Name)
		}
	case p.Range != nil:
		n, ok := schema.AsNumber(value)
		if !ok {
			return fmt.Errorf("%w: value of range parameter %q is not numeric", schema.ErrValidation, p.Name)
		}
		if n < p.Range.Lower || n > p.Range.Upper {
			return fmt.Errorf("%w: value %v of parameter %q is outside [%v, %v]",
				schema.ErrValidation, value, p.Name, p.Range.Lower, p.Range.Upper)
		}
	}
	return nil
}

// coerce aligns a wire value with the current value's kind. API callers often
// deliver every scalar as a string.
func coerce(current, value any) any {
	s, isString := value.(string)
	if !isString {
		return value
	}
	switch current.(type) {
	case bool:
		return strings.EqualFold(s, "true")
	case float64, int, int64:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	}
	return value
}
