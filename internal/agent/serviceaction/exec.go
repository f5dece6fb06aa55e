package serviceaction

import (
	"context"
	"os/exec"
)

func runSystemctl(ctx context.Context, action, service string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "systemctl", action, service)
	return cmd.CombinedOutput()
}
