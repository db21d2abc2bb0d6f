// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg provides XDG Base Directory paths for gatekeep.
package xdg

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const (
	appName        = "gatekeep"
	configFileName = "config.yaml"
)

// ConfigDir returns the XDG config directory for gatekeep.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", oops.Code("XDG_HOME_UNKNOWN").Wrap(err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName), nil
}

// DefaultConfigFile returns where gatekeep looks for its configuration
// when no file is named.
func DefaultConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// FindConfigFile returns the default configuration file if it exists.
// A missing file is not an error; ok is false.
func FindConfigFile() (path string, ok bool, err error) {
	path, err = DefaultConfigFile()
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", false, nil
	case err != nil:
		return "", false, oops.Code("XDG_CONFIG_UNREADABLE").With("path", path).Wrap(err)
	case info.IsDir():
		return "", false, oops.Code("XDG_CONFIG_UNREADABLE").With("path", path).Errorf("config path is a directory")
	}
	return path, true, nil
}
