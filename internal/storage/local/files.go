// Package local implements artifact file handling on the local filesystem:
// streaming checksums, traversal-safe moves into the storage root, and
// discovery of tool-produced output files.
package local

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extPlaceholder is substituted by the external download tool with the real
// container extension, so the final filename must be discovered, not assumed.
const extPlaceholder = ".%(ext)s"

// Files performs artifact file operations rooted at a storage directory.
type Files struct {
	root string
}

// New creates a Files rooted at root, creating the directory if needed.
func New(root string) (*Files, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Files{root: abs}, nil
}

// Root returns the absolute storage root.
func (f *Files) Root() string {
	return f.root
}

// Checksum streams the file through sha256 and returns the hex digest plus
// the file size. The file is never buffered whole.
func (f *Files) Checksum(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open for checksum: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Move relocates src into subdir under the storage root with the given
// filename. The destination must resolve inside the root and must not exist;
// the filename is stripped of any path components first.
func (f *Files) Move(src, subdir, filename string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %q is a directory", src)
	}

	safeName := filepath.Base(filename)
	if safeName == "" || safeName == "." || safeName == ".." || safeName == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	destDir := filepath.Join(f.root, subdir)
	dest := filepath.Join(destDir, safeName)
	if err := f.ensureInsideRoot(dest); err != nil {
		return "", err
	}

	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("destination already exists: %s", dest)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat destination: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}

	if err := os.Rename(src, dest); err != nil {
		// Rename fails across filesystems; fall back to copy+remove.
		if copyErr := copyFile(src, dest); copyErr != nil {
			return "", fmt.Errorf("move file: %w", copyErr)
		}
		if rmErr := os.Remove(src); rmErr != nil {
			return "", fmt.Errorf("remove source after copy: %w", rmErr)
		}
	}
	return dest, nil
}

// Delete removes a stored artifact file after verifying it lives inside the
// storage root. A missing file is not an error; the result reports whether
// anything was removed.
func (f *Files) Delete(path string) (bool, error) {
	if err := f.ensureInsideRoot(path); err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete file: %w", err)
	}
	return true, nil
}

func (f *Files) ensureInsideRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes storage root %q", path, f.root)
	}
	return nil
}

// FindByTemplate locates the file produced from an output template whose
// extension placeholder the download tool resolved at runtime. It returns
// the first directory entry sharing the template's stem.
func FindByTemplate(template string) (string, error) {
	dir := filepath.Dir(template)
	stem := strings.TrimSuffix(filepath.Base(template), extPlaceholder)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read output directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), stem) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no output matching template %q", template)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copy data: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
