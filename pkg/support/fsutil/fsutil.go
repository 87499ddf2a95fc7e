// Package fsutil contains utilities for working with the file system: "~" expansion of user provided paths
// and atomic replacement of files shared by several processes.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// IsDir returns whether path exists and is a directory.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to IsDir(%q)", path)
	}
	return info.IsDir(), nil
}

// ExpandHome replaces a leading "~" or "~user" by the user's home directory. Returns p if it doesn't start
// with "~".
//
// It returns an error if p names an unknown user (e.g: `~unknown/...`).
func ExpandHome(p string) (string, error) {
	if len(p) == 0 || p[0] != '~' {
		return p, nil
	}
	var userName string
	if p != "~" && !strings.HasPrefix(p, "~/") {
		sepIdx := strings.IndexRune(p, '/')
		if sepIdx == -1 {
			userName = p[1:]
		} else {
			userName = p[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", p)
	}
	return path.Join(usr.HomeDir, p[1+len(userName):]), nil
}

// ReadFile reads the file at p, after ExpandHome.
func ReadFile(p string) ([]byte, error) {
	expanded, err := ExpandHome(p)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", p)
	}
	return contents, nil
}

// WriteAtomic replaces the file at p with the contents produced by write.
//
// Contents are written to a temporary file in the same directory, which is then renamed over p: concurrent
// readers see either the old or the new file, never a partial one. Missing parent directories are created.
// "~" in p is expanded.
func WriteAtomic(p string, write func(w io.Writer) error) error {
	expanded, err := ExpandHome(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %q", dir)
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file in %q", dir)
	}
	tmpName := f.Name()
	defer func() {
		// No-op after a successful rename.
		if err := os.Remove(tmpName); err != nil && !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("failed to remove temporary file %q: %v", tmpName, err)
		}
	}()
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "writing %q", tmpName)
	}
	if err := os.Rename(tmpName, expanded); err != nil {
		return errors.Wrapf(err, "renaming %q to %q", tmpName, expanded)
	}
	return nil
}
