package mlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var b bytes.Buffer
	orig := Output
	Output = &b
	t.Cleanup(func() {
		Output = orig
		SetConfig(map[string]slog.Level{"": LevelError})
	})
	return &b
}

func TestPackageLevels(t *testing.T) {
	b := captureOutput(t)
	SetConfig(map[string]slog.Level{"": LevelError, "mboxmgr": LevelDebug})

	New("itemstate", nil).Debug("hidden")
	if b.Len() != 0 {
		t.Fatalf("debug line logged for package at error level: %q", b.String())
	}

	New("mboxmgr", nil).Debug("shown", slog.Int64("mailboxid", 42))
	line := b.String()
	if !strings.HasPrefix(line, "debug: shown (") || !strings.Contains(line, "pkg: mboxmgr") || !strings.Contains(line, "mailboxid: 42") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestErrorAndCid(t *testing.T) {
	b := captureOutput(t)

	ctx := context.WithValue(context.Background(), CidKey, int64(255))
	New("store", nil).WithContext(ctx).Errorx("open failed", errors.New("boom"))
	line := b.String()
	if !strings.Contains(line, "error: open failed: boom") || !strings.Contains(line, "cid: ff") {
		t.Fatalf("unexpected line %q", line)
	}

	b.Reset()
	New("store", nil).Check(nil, "nothing")
	if b.Len() != 0 {
		t.Fatalf("check with nil error logged %q", b.String())
	}
}

func TestLogfmt(t *testing.T) {
	b := captureOutput(t)
	Logfmt = true
	defer func() { Logfmt = false }()

	New("sharedstate", nil).Print("value with space", slog.String("key", "a b"))
	if got, exp := b.String(), "l=print m=\"value with space\" pkg=sharedstate key=\"a b\"\n"; got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}
