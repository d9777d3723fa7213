//go:build !unix

// ABOUTME: Platforms without process groups rely on exec.CommandContext killing the worker alone.
package isolate

import "os/exec"

// configureKill keeps exec's default: kill the worker process only.
func configureKill(cmd *exec.Cmd) {}
