// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
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
		return false, errors.Wrapf(err, "failed to stat %q", path)
	}
	return info.IsDir(), nil
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
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
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	homeDir := usr.HomeDir
	return filepath.Join(homeDir, dir[1+len(userName):]), nil
}

// ResolveDir replaces a leading "~" and makes dir absolute, relative to the current working directory.
func ResolveDir(dir string) (string, error) {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	if dir == "" || filepath.IsAbs(dir) {
		return dir, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "cannot make %q absolute", dir)
	}
	return abs, nil
}

// EnsureDir creates dir and its parents if they don't exist yet.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}

// ListFiles returns the sorted paths (joined with dir) of the non-hidden files in dir accepted by
// filter. A nil filter accepts all files. Symbolic links are followed: only links to directories
// are skipped, so broken links are listed and fail when opened. Subdirectories are not traversed.
func ListFiles(dir string, filter func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || entry.IsDir() {
			continue
		}
		if filter != nil && !filter(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if entry.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(err, "failed to resolve link %q", path)
			}
			if err == nil && info.IsDir() {
				continue
			}
		}
		files = append(files, path)
	}
	slices.Sort(files)
	return files, nil
}

// Stem returns the base name of path without its extension, e.g. "/a/b/img_01.jpg" -> "img_01".
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// HasExt returns a filter for ListFiles that accepts names with one of the given extensions,
// compared case-insensitively. Extensions include the dot, e.g. ".png".
func HasExt(exts ...string) func(name string) bool {
	return func(name string) bool {
		ext := strings.ToLower(filepath.Ext(name))
		for _, want := range exts {
			if ext == strings.ToLower(want) {
				return true
			}
		}
		return false
	}
}
