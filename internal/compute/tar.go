package compute

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Archive transfer between the engine host and the execution environment.
// File modes are forced to 0777 so content written as root inside the
// environment never blocks later writes, and each destination parent
// directory is added exactly once per batch so its ownership is not reset by
// repeated entries.

// writeArchive streams a transfer batch as a tar archive rooted at the
// environment's filesystem root. Sources that are directories become
// directory entries; missing sources fail the batch.
func writeArchive(w io.Writer, files []File) error {
	tw := tar.NewWriter(w)
	addedDirs := make(map[string]struct{})

	addDir := func(dest string) error {
		if _, ok := addedDirs[dest]; ok {
			return nil
		}
		addedDirs[dest] = struct{}{}
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     archiveName(dest) + "/",
			Mode:     0o777,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write directory header %q: %w", dest, err)
		}
		return nil
	}

	for _, f := range files {
		info, err := os.Stat(f.Source)
		if err != nil {
			return fmt.Errorf("%w: stat %q: %w", ErrFileTransfer, f.Source, err)
		}
		if info.IsDir() {
			if err := addDir(f.Destination); err != nil {
				return err
			}
			continue
		}

		if parent := path.Dir(f.Destination); parent != "/" && parent != "." {
			if err := addDir(parent); err != nil {
				return err
			}
		}

		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     archiveName(f.Destination),
			Mode:     0o777,
			Size:     info.Size(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write file header %q: %w", f.Destination, err)
		}
		src, err := os.Open(f.Source)
		if err != nil {
			return fmt.Errorf("%w: open %q: %w", ErrFileTransfer, f.Source, err)
		}
		if _, err := io.Copy(tw, src); err != nil {
			_ = src.Close()
			return fmt.Errorf("%w: copy %q into archive: %w", ErrFileTransfer, f.Source, err)
		}
		_ = src.Close()
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// extractArchive unpacks a result archive into destDir and returns the local
// path of the first regular file found.
func extractArchive(r io.Reader, destDir string) (string, error) {
	tr := tar.NewReader(r)
	var first string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: read archive: %w", ErrFileTransfer, err)
		}

		// reject entries escaping destDir
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", fmt.Errorf("%w: archive entry %q escapes destination", ErrFileTransfer, hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("%w: create directory %q: %w", ErrFileTransfer, target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("%w: create parent of %q: %w", ErrFileTransfer, target, err)
			}
			out, err := os.Create(target)
			if err != nil {
				return "", fmt.Errorf("%w: create %q: %w", ErrFileTransfer, target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return "", fmt.Errorf("%w: extract %q: %w", ErrFileTransfer, target, err)
			}
			if err := out.Close(); err != nil {
				return "", fmt.Errorf("%w: close %q: %w", ErrFileTransfer, target, err)
			}
			if first == "" {
				first = target
			}
		}
	}
	if first == "" {
		return "", fmt.Errorf("%w: archive contained no regular file", ErrFileTransfer)
	}
	return first, nil
}

// archiveName converts an absolute destination path into a root-relative tar
// entry name.
func archiveName(dest string) string {
	return strings.TrimPrefix(path.Clean(dest), "/")
}
