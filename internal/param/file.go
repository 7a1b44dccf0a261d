package param

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/schema"
)

// FileState is the staging state of a file parameter.
type FileState string

const (
	// FileStateDefault: the definition's own workspace content satisfies the
	// parameter; nothing to stage.
	FileStateDefault FileState = "default"
	// FileStatePending: the configuration names a file that has not yet been
	// delivered to the engine.
	FileStatePending FileState = "pending"
	// FileStateStaged: the engine holds a local copy that is not yet inside
	// the execution environment.
	FileStateStaged FileState = "staged"
	// FileStateAvailable: the execution environment can access the file.
	FileStateAvailable FileState = "available"
)

// FileData holds the staging state of a file parameter. It is owned
// exclusively by its Parameter.
type FileData struct {
	Name          string    `json:"name,omitempty"`
	State         FileState `json:"state"`
	DefaultPath   string    `json:"default_path"`
	OriginPath    string    `json:"origin_path,omitempty"`
	LocalPath     string    `json:"local_path,omitempty"`
	ContainerPath string    `json:"container_path,omitempty"`
	Credentials   []byte    `json:"credentials,omitempty"`
}

// Reset returns the file to the default state, deleting any locally staged
// copy and discarding origin and credential data.
func (f *FileData) Reset(defaultPath string) {
	if f.LocalPath != "" {
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			log.WithComponent("param").Warn("failed to remove staged file", "path", f.LocalPath, "error", err)
		}
	}
	f.Name = ""
	f.State = FileStateDefault
	f.OriginPath = ""
	f.LocalPath = ""
	f.Credentials = nil
	f.ContainerPath = defaultPath
}

// stagingClient fetches URL-origin file parameters.
var stagingClient = &http.Client{Timeout: 5 * time.Minute}

// StagePaths locates a parameter's staging directories: the local input
// directory and the container-visible path for a given file name.
type StagePaths struct {
	// LocalDir is the session directory on the engine host.
	LocalDir string
	// MountDir is the backend mount point the container sees.
	MountDir string
}

func (sp StagePaths) inputDir(group schema.Group, name string) string {
	return filepath.Join(sp.LocalDir, "inputs", string(group), name)
}

func (sp StagePaths) containerPath(group schema.Group, name, fileName string) string {
	return path.Join(sp.MountDir, "inputs", string(group), name, fileName)
}

// Upload writes file content delivered by the caller directly into the
// session input tree and marks the parameter staged, regardless of prior
// state.
func (p *Parameter) Upload(sp StagePaths, group schema.Group, fileName string, content []byte) error {
	if p.File == nil {
		return fmt.Errorf("%w: parameter %q", ErrNotFile, p.Name)
	}
	dir := sp.inputDir(group, p.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input directory for parameter %q: %w", p.Name, err)
	}
	dest := filepath.Join(dir, fileName)
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return fmt.Errorf("write uploaded file for parameter %q: %w", p.Name, err)
	}
	p.File.Name = fileName
	p.File.LocalPath = dest
	p.File.ContainerPath = sp.containerPath(group, p.Name, fileName)
	p.File.State = FileStateStaged
	log.WithComponent("param").Debug("file uploaded for parameter",
		"name", p.Name, "local", dest, "container", p.File.ContainerPath)
	return nil
}

// Stage makes a pending file parameter locally present: a filesystem origin
// is copied verbatim, an http/https/ftp origin is fetched (with an optional
// bearer credential). Other origin forms fail and direct the caller to the
// upload operation. Parameters in any other state are left untouched.
func (p *Parameter) Stage(sp StagePaths, group schema.Group) error {
	if p.File == nil || p.File.State != FileStatePending {
		return nil
	}

	logger := log.WithComponent("param")
	origin := p.File.OriginPath

	switch {
	case isURLOrigin(origin):
		content, name, err := fetchOrigin(origin, p.File.Credentials)
		if err != nil {
			return fmt.Errorf("stage parameter %q: %w", p.Name, err)
		}
		dir := sp.inputDir(group, p.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create input directory for parameter %q: %w", p.Name, err)
		}
		dest := filepath.Join(dir, name)
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("write fetched file for parameter %q: %w", p.Name, err)
		}
		p.File.Name = name
		p.File.LocalPath = dest
		logger.Info("staged file parameter from URL", "name", p.Name, "origin", origin)

	case isLocalOrigin(origin):
		name := filepath.Base(origin)
		dir := sp.inputDir(group, p.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create input directory for parameter %q: %w", p.Name, err)
		}
		dest := filepath.Join(dir, name)
		if err := copyFile(origin, dest); err != nil {
			return fmt.Errorf("stage parameter %q: %w", p.Name, err)
		}
		p.File.Name = name
		p.File.LocalPath = dest
		logger.Info("staged file parameter from local path", "name", p.Name, "origin", origin)

	default:
		return fmt.Errorf("%w: cannot stage parameter %q from origin %q; upload the file explicitly",
			os.ErrNotExist, p.Name, origin)
	}

	p.File.ContainerPath = sp.containerPath(group, p.Name, p.File.Name)
	p.File.State = FileStateStaged
	return nil
}

func isURLOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://") ||
		strings.HasPrefix(origin, "https://") ||
		strings.HasPrefix(origin, "ftp://")
}

func isLocalOrigin(origin string) bool {
	info, err := os.Stat(origin)
	return err == nil && info.Mode().IsRegular()
}

// fetchOrigin downloads a URL origin and derives the file name from the last
// path segment.
func fetchOrigin(origin string, credentials []byte) ([]byte, string, error) {
	if strings.HasPrefix(origin, "ftp://") {
		return fetchFTP(origin, credentials)
	}
	req, err := http.NewRequest(http.MethodGet, origin, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request for %q: %w", origin, err)
	}
	if credentials != nil {
		req.Header.Set("Authorization", "Bearer "+string(credentials))
	}
	resp, err := stagingClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w: %w", origin, os.ErrNotExist, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %q: unexpected status %s: %w", origin, resp.Status, os.ErrNotExist)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body of %q: %w", origin, err)
	}

	name := path.Base(origin)
	if u, err := url.Parse(origin); err == nil && u.Path != "" && u.Path != "/" {
		name = path.Base(u.Path)
	}
	return content, name, nil
}

// fetchFTP retrieves an ftp origin. Login uses the URL's userinfo if present,
// then a "user:pass" credential, then anonymous.
func fetchFTP(origin string, credentials []byte) ([]byte, string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, "", fmt.Errorf("parse %q: %w", origin, err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w: %w", origin, os.ErrNotExist, err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if ui := u.User; ui != nil {
		user = ui.Username()
		if pw, ok := ui.Password(); ok {
			pass = pw
		}
	} else if name, pw, ok := strings.Cut(string(credentials), ":"); ok {
		user, pass = name, pw
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w: %w", origin, os.ErrNotExist, err)
	}
	resp, err := conn.Retr(strings.TrimPrefix(u.Path, "/"))
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w: %w", origin, os.ErrNotExist, err)
	}
	defer resp.Close()
	content, err := io.ReadAll(resp)
	if err != nil {
		return nil, "", fmt.Errorf("read body of %q: %w", origin, err)
	}
	return content, path.Base(u.Path), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file content: %w", err)
	}
	return out.Close()
}
