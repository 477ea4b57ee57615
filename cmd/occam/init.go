package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/occam-assistant/internal/defaults"
)

// scaffold is one path `occam init` lays down. Entries with nil content
// are directories.
type scaffold struct {
	name    string
	content []byte
	perm    fs.FileMode
}

var initLayout = []scaffold{
	{name: "data", perm: 0o755},
	// Holds API keys and mail passwords.
	{name: "config.yaml", content: defaults.ConfigYAML, perm: 0o600},
}

// runInit lays out initLayout under dir. It is safe to re-run: nothing
// that already exists is touched.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Occam in %s\n", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, s := range initLayout {
		path := filepath.Join(dir, s.name)
		created, err := s.create(path)
		if err != nil {
			return err
		}
		mark := "created"
		if !created {
			mark = "kept"
		}
		fmt.Fprintf(w, "  %-8s %s\n", mark, path)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to enable channels, then run: occam serve")
	return nil
}

func (s scaffold) create(path string) (bool, error) {
	if s.content == nil {
		err := os.Mkdir(path, s.perm)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("create %s: %w", path, err)
		}
		return true, nil
	}
	return writeIfMissing(path, s.content, s.perm)
}

// writeIfMissing creates path with content, or reports false when it
// already exists.
func writeIfMissing(path string, content []byte, perm fs.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	_, err = f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
