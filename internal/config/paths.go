package config

import (
	"os"
	"path/filepath"
	"strings"
)

// memoryDatabase is the SQLite name of a database that lives in memory.
const memoryDatabase = ":memory:"

// ResolvePath expands a leading ~ and $VAR references in path. A relative
// result is joined to base when base is set, so paths written in a config
// file are relative to that file rather than to the working directory.
func ResolvePath(path, base string) string {
	if path == "" || path == memoryDatabase {
		return path
	}
	path = os.ExpandEnv(expandHome(path))
	if base != "" && !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return path
}

// resolveCommand leaves bare command names alone for a PATH lookup.
func resolveCommand(command, base string) string {
	if !strings.ContainsRune(command, filepath.Separator) && !strings.HasPrefix(command, "~") {
		return command
	}
	return ResolvePath(command, base)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
