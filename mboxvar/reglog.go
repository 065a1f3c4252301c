package mboxvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var inTest = testing.Testing()

// RegisterLogger returns the logger to pass as bstore.Options.RegisterLogger
// when opening the database at path. Tests create many fresh databases, and
// the type registration logged for each of them is noise: for a database file
// that does not exist yet, nil is returned under test.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !inTest {
		return log
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
