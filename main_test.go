package main

import (
	"strings"
	"testing"
)

// Each command must register its usage before parsing, for help and usage.
func TestCommandUsage(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range cmds {
		name := strings.Join(c.words, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true

		c.gather()
		if c.help == "" {
			t.Fatalf("command %q without help", name)
		}
		usage := c.makeUsage()
		if !strings.HasPrefix(usage, "usage: mboxcache "+name) {
			t.Fatalf("command %q: unexpected usage %q", name, usage)
		}
	}
}
