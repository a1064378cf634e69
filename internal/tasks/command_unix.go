//go:build linux || freebsd

package tasks

import (
	"bytes"
	"context"
	"os/exec"
)

// commandRunner executes a service manager CLI and returns its output.
// Replaced in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// runCommand executes name with args, capturing stdout and stderr
func runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
