package mboxcache

import (
	"path/filepath"
)

// ConfigDirPath returns f relative to the directory of the config file, or f
// itself when absolute.
func ConfigDirPath(f string) string {
	return resolvePath(filepath.Dir(ConfigStaticPath), f)
}

// DataDirPath returns f relative to the configured data directory, or f itself
// when absolute. A relative data directory is relative to the config file.
func DataDirPath(f string) string {
	return resolvePath(ConfigDirPath(Conf.Static.DataDir), f)
}

func resolvePath(dir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(dir, f)
}
