// Package catalog resolves system definitions by name and version from a
// directory of reference entries and delivers their file trees into session
// repositories.
package catalog

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/schema"
)

// FormatTag identifies catalog reference entries.
const FormatTag = "sysref:1.0"

// DefinitionFileName is the definition file expected at the root of a
// directory location.
const DefinitionFileName = "system.json"

// ErrUnknownSystem reports a name/version pair with no catalog entry.
var ErrUnknownSystem = errors.New("unknown system")

// Location points at where a system's files live.
type Location struct {
	Type string `json:"type"` // "file" or "dir"
	Path string `json:"path"`
}

// Ref is one catalog entry.
type Ref struct {
	Format   string   `json:"format"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Location Location `json:"location"`
	// Checksum optionally pins the definition file (hex blake3).
	Checksum string `json:"checksum,omitempty"`
}

func (r Ref) validate(source string) error {
	if r.Format != FormatTag {
		return fmt.Errorf("%w: entry %s: unrecognized format tag %q", schema.ErrValidation, source, r.Format)
	}
	if r.Name == "" || r.Version == "" {
		return fmt.Errorf("%w: entry %s: name and version are required", schema.ErrValidation, source)
	}
	switch r.Location.Type {
	case "file", "dir":
	default:
		return fmt.Errorf("%w: entry %s: unsupported location type %q", schema.ErrValidation, source, r.Location.Type)
	}
	if r.Location.Path == "" {
		return fmt.Errorf("%w: entry %s: location path is required", schema.ErrValidation, source)
	}
	return nil
}

// Catalog is a read-only view over a directory of *.json reference entries.
type Catalog struct {
	dir  string
	refs []Ref
}

// Open scans dir and parses every .json entry. Malformed entries fail the
// whole open so operators notice immediately.
func Open(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog directory %q: %w", dir, err)
	}
	c := &Catalog{dir: dir}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog entry %q: %w", path, err)
		}
		var ref Ref
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", schema.ErrValidation, e.Name(), err)
		}
		if err := ref.validate(e.Name()); err != nil {
			return nil, err
		}
		c.refs = append(c.refs, ref)
	}
	log.WithComponent("catalog").Debug("catalog opened", "dir", dir, "systems", len(c.refs))
	return c, nil
}

// List returns all known references.
func (c *Catalog) List() []Ref {
	out := make([]Ref, len(c.refs))
	copy(out, c.refs)
	return out
}

// Lookup finds the entry for a name/version pair.
func (c *Catalog) Lookup(name, version string) (Ref, error) {
	for _, r := range c.refs {
		if r.Name == name && r.Version == version {
			return r, nil
		}
	}
	return Ref{}, fmt.Errorf("%w: %s version %s", ErrUnknownSystem, name, version)
}

// Deliver materializes the system's files into dest and returns the parsed
// definition. For file locations dest receives the single definition file;
// for dir locations the whole tree is copied and the definition is read from
// system.json at its root.
func (c *Catalog) Deliver(name, version, dest string) (*schema.Definition, error) {
	ref, err := c.Lookup(name, version)
	if err != nil {
		return nil, err
	}
	src := ref.Location.Path
	if !filepath.IsAbs(src) {
		src = filepath.Join(c.dir, src)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}

	var defPath string
	switch ref.Location.Type {
	case "file":
		defPath = filepath.Join(dest, filepath.Base(src))
		if err := copyFile(src, defPath); err != nil {
			return nil, fmt.Errorf("deliver %s/%s: %w", name, version, err)
		}
	case "dir":
		if err := copyTree(src, dest); err != nil {
			return nil, fmt.Errorf("deliver %s/%s: %w", name, version, err)
		}
		defPath = filepath.Join(dest, DefinitionFileName)
	}

	raw, err := os.ReadFile(defPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s has no definition file: %v", schema.ErrValidation, name, version, err)
	}
	if ref.Checksum != "" {
		sum := blake3.Sum256(raw)
		if hex.EncodeToString(sum[:]) != ref.Checksum {
			return nil, fmt.Errorf("%w: %s/%s: definition checksum mismatch", schema.ErrValidation, name, version)
		}
	}
	var def schema.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", schema.ErrValidation, name, version, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	log.WithSystem(name, version).Debug("system delivered", "dest", dest)
	return &def, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
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

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
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
