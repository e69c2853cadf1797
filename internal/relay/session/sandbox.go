package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// expandPath expands a leading "~" or "~/" to the user's home
// directory, resolves to an absolute path, and cleans it. Only "~"
// alone or "~/..." are tilde prefixes.
func expandPath(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = home
	} else if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// ResolveWorkdir expands and normalizes a requested working directory.
// Existence is verified separately (CheckWorkdir) after the sandbox
// policy has passed, so a path outside the safe list is always reported
// as a policy violation rather than a stat failure.
func ResolveWorkdir(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workdir is required")
	}
	return expandPath(path)
}

// CheckWorkdir verifies the resolved working directory exists and is a
// directory.
func CheckWorkdir(resolved string) error {
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("stat working directory %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", resolved)
	}
	return nil
}

// CheckSafePaths verifies workdir equals one of the safe paths or is a
// subdirectory of one (path component prefix, not string prefix). An
// empty safe path list disables the check. Violations name requested,
// the path exactly as the caller asked for it.
func CheckSafePaths(workdir, requested string, safePaths []string) error {
	if len(safePaths) == 0 {
		return nil
	}
	for _, sp := range safePaths {
		resolved, err := expandPath(sp)
		if err != nil {
			continue
		}
		if workdir == resolved || strings.HasPrefix(workdir, resolved+string(os.PathSeparator)) {
			return nil
		}
	}
	if requested == "" {
		requested = workdir
	}
	return fmt.Errorf("workdir not in safe paths: %s", requested)
}

// runSetupScript materializes the configured setup script into the
// workdir, runs it through a shell with the agent's environment, and
// deletes it afterwards.
func runSetupScript(workdir, sessionID, script string, env map[string]string) error {
	path := filepath.Join(workdir, ".todoki-setup-"+sessionID+".sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return fmt.Errorf("write setup script: %w", err)
	}
	defer func() { _ = os.Remove(path) }()

	cmd := exec.Command("sh", path)
	cmd.Dir = workdir
	cmd.Env = mergedEnv(env)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
