package util

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// errNotWritable is reported for any failed writability probe; the cause is logged.
var errNotWritable = errors.New("path is not writable")

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	return !slices.Contains(values, "")
}

// ValidatePath rejects empty paths and paths with ".." components.
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return fmt.Errorf("%s: path cannot contain '..'", field)
	}
	return nil
}

// CheckPathWritable creates dir if needed and proves a file can be written
// to it and removed again.
func CheckPathWritable(dir string) error {
	fail := func(step string, err error) error {
		slog.Error("path writability check failed", "path", dir, "step", step, "error", err)
		return errNotWritable
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail("mkdir", err)
	}

	f, err := os.CreateTemp(dir, ".systemtap-write-test-*")
	if err != nil {
		return fail("create", err)
	}
	name := f.Name()

	_, err = f.Write(make([]byte, 1024))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(name) //nolint:errcheck // Best effort; the write already failed
		return fail("write", err)
	}
	if err := os.Remove(name); err != nil {
		return fail("remove", err)
	}
	return nil
}
