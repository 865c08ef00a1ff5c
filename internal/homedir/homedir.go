// Package homedir locates the user's home directory and expands paths
// relative to it.
package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// Expand replaces a leading "~" or "~/" in path with the home
// directory.  Other paths are returned unchanged.
func Expand(path string) string {
	switch {
	case path == "~":
		return Get()
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(Get(), path[2:])
	}
	return path
}
