package cli

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestJoinRequiresChannel(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "test")

	rootCmd.SetArgs([]string{"join", "--server", "42"})
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		flagServer = ""
	})

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), `required flag(s) "channel" not set`) {
		t.Fatalf("expected a missing channel flag error, got %v", err)
	}
}
