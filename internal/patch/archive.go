package patch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DescriptorExt is the file extension of patch descriptors.
const DescriptorExt = ".patch"

// Patch is a loaded descriptor together with the directory holding its
// unpacked payload. Payload paths are relative to the installation root.
type Patch struct {
	*Descriptor
	Dir string
}

// PayloadPath returns the absolute path of a payload file.
func (p *Patch) PayloadPath(rel string) string {
	return filepath.Join(p.Dir, filepath.FromSlash(rel))
}

// Unpack extracts a patch archive (a zip file or a plain directory) into
// dest and returns the descriptor found at its top level. The archive must
// contain exactly one "*.patch" descriptor.
func Unpack(archive, dest string) (*Descriptor, error) {
	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", archive, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", archive, err)
	}

	if info.IsDir() {
		err = CopyTree(archive, dest)
	} else {
		err = Unzip(archive, dest)
	}
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", archive, err)
	}

	matches, err := filepath.Glob(filepath.Join(dest, "*"+DescriptorExt))
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, NewValidationError(ErrCodeInvalidDescriptor,
			fmt.Sprintf("archive %s must contain exactly one %s descriptor, found %d", archive, DescriptorExt, len(matches)))
	}
	d, err := LoadDescriptorFile(matches[0])
	if err != nil {
		return nil, err
	}
	// the descriptor is metadata, not payload
	if err := os.Remove(matches[0]); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", archive, err)
	}
	return d, nil
}

// Unzip extracts a zip archive into dest, rejecting entries that escape it.
func Unzip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyTree copies the regular files below src into dst, preserving
// permissions and relative layout.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return CopyFile(p, target)
	})
}

// CopyFile copies one regular file, creating parent directories.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile applies the mode only on creation, and through the umask.
	return os.Chmod(dst, info.Mode().Perm())
}
