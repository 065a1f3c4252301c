package webadmin

import (
	"fmt"
	"os"
	"testing"

	"github.com/mjl-/mboxcache/metrics"
)

func TestMain(m *testing.M) {
	code := m.Run()
	if metrics.Panics.Load() > 0 {
		fmt.Println("unhandled panics encountered")
		os.Exit(2)
	}
	os.Exit(code)
}
