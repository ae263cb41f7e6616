// Package files synchronises files between a client and a job working
// directory. Every path is resolved inside the working directory.
package files

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schovi/rexec/internal/engine"
)

var ErrOutsideWorkdir = errors.New("path escapes workdir")

// Resolve joins name to workdir and rejects results outside of it.
func Resolve(workdir, name string) (string, error) {
	if err := engine.ValidateWorkdir(workdir); err != nil {
		return "", err
	}
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%q: %w", name, ErrOutsideWorkdir)
	}
	root := filepath.Clean(workdir)
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", name, ErrOutsideWorkdir)
	}
	return path, nil
}

// Hash returns the lowercase hex md5 of the file at path.
func Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Offer returns, sorted, the names from hashes whose file in workdir is
// missing or has a different hash.
func Offer(workdir string, hashes map[string]string) ([]string, error) {
	stale := []string{}
	for name, want := range hashes {
		path, err := Resolve(workdir, name)
		if err != nil {
			return nil, err
		}
		got, err := Hash(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("hash %s: %w", name, err)
			}
		} else if strings.EqualFold(got, want) {
			continue
		}
		stale = append(stale, name)
	}
	sort.Strings(stale)
	return stale, nil
}

// Send writes each file under workdir, creating parent directories.
// Executable files get mode 0777.
func Send(workdir string, files map[string]File) error {
	for name, f := range files {
		path, err := Resolve(workdir, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create parent of %s: %w", name, err)
		}
		if err := os.WriteFile(path, f.Data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if f.Executable {
			if err := os.Chmod(path, 0777); err != nil {
				return fmt.Errorf("chmod %s: %w", name, err)
			}
		}
	}
	return nil
}

// Get reads one file from workdir.
func Get(workdir, name string) ([]byte, error) {
	path, err := Resolve(workdir, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

type File struct {
	Data       []byte
	Executable bool
}

// Collect hashes the regular files under dir, keyed by slash-separated path
// relative to dir.
func Collect(dir string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sum, err := Hash(path)
		if err != nil {
			return err
		}
		hashes[filepath.ToSlash(rel)] = sum
		return nil
	})
	return hashes, err
}

// Load reads the named files from dir for Send.
func Load(dir string, names []string) (map[string]File, error) {
	out := make(map[string]File, len(names))
	for _, name := range names {
		path := filepath.Join(dir, filepath.FromSlash(name))
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		out[name] = File{Data: data, Executable: info.Mode()&0111 != 0}
	}
	return out, nil
}
