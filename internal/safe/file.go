// Package safe provides validated file access for dumps handed over by path.
package safe

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize is the default maximum dump size (256MB). An hour of
// pidstat output for a process with a few hundred threads stays well below it.
const DefaultMaxFileSize = 256 << 20

// Options configures Open and ReadFile.
type Options struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks allows reading through symlinks. Default is false.
	AllowSymlinks bool
}

// Open opens a file for reading after checking that it is a regular file
// within the size limit. Symlinks are rejected unless allowed.
func Open(path string, opts *Options) (*os.File, error) {
	cleanPath, err := validate(path, opts)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - the path has been validated above.
	return os.Open(cleanPath)
}

// ReadFile reads a whole file with the same validations as Open.
func ReadFile(path string, opts *Options) ([]byte, error) {
	cleanPath, err := validate(path, opts)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - the path has been validated above.
	return os.ReadFile(cleanPath)
}

func validate(path string, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cleanPath := filepath.Clean(path)

	info, err := os.Lstat(cleanPath)
	if err != nil {
		return "", err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return "", fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
		}
		info, err = os.Stat(cleanPath)
		if err != nil {
			return "", err
		}
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("path %q is not a regular file", path)
	}

	if info.Size() > maxSize {
		return "", fmt.Errorf("file exceeds maximum allowed size of %d bytes", maxSize)
	}

	return cleanPath, nil
}
