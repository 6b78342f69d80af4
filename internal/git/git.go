package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"pkt.systems/pslog"
)

// Run executes a git command in the provided directory.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, dir, nil, args...)
}

// Clone performs a shallow clone of url into dest. Prompts are disabled so a
// repository that requires credentials fails instead of hanging.
func Clone(ctx context.Context, url, dest string) error {
	env := []string{"GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=true", "GIT_SSH_COMMAND=ssh -o BatchMode=yes"}
	_, err := run(ctx, "", env, "clone", "--depth", "1", "--quiet", "--", url, dest)
	return err
}

func run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	log := pslog.Ctx(ctx).With("dir", dir, "args", strings.Join(args, " "))
	log.Debug("git run start")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		preview := strings.TrimSpace(string(output))
		truncated := false
		if len(preview) > 200 {
			preview = preview[:200]
			truncated = true
		}
		log.Warn("git run failed", "err", err, "output", preview, "truncated", truncated)
		return string(output), fmt.Errorf("git %s failed: %w (%s)", args[0], err, strings.TrimSpace(string(output)))
	}
	log.Debug("git run ok", "output_len", len(output))
	return string(output), nil
}
