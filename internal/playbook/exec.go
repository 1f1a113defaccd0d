package playbook

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Run spawns ansible-playbook in contentDir and pumps its combined output
// through onLine, one newline-terminated line per call. It returns the exit
// code and an error message for non-zero outcomes. Spawn failures map to
// the conventional shell exit codes: 127 missing binary, 126 not
// executable, 1 anything else.
func Run(ctx context.Context, contentDir string, args []string, factsPath string, onLine func(string)) (int, string) {
	cmd := exec.CommandContext(ctx, "ansible-playbook", args...)
	cmd.Dir = contentDir
	cmd.Env = append(os.Environ(),
		"ANSIBLE_CALLBACK_PLUGINS="+filepath.Join(contentDir, "callback_plugins"),
		"SIMPLEWEB_FACTS_FILE="+factsPath,
	)
	if cfg := filepath.Join(contentDir, "ansible.cfg"); fileExists(cfg) {
		cmd.Env = append(cmd.Env, "ANSIBLE_CONFIG="+cfg)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return 1, fmt.Sprintf("failed to create pipe: %v", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		code, message := SpawnExitCode(err)
		onLine("ERROR: " + message + "\n")
		return code, message
	}
	pw.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text() + "\n")
	}
	if err := scanner.Err(); err != nil {
		onLine(fmt.Sprintf("[output truncated: %v]\n", err))
	}
	pr.Close()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			return code, fmt.Sprintf("playbook failed with exit code %d", code)
		}
		return 1, err.Error()
	}
	return 0, ""
}

// SpawnExitCode maps a failed process start onto a shell-style exit code
// and the message recorded on the job.
func SpawnExitCode(err error) (int, string) {
	switch {
	case errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err):
		return 127, "ansible-playbook not found"
	case errors.Is(err, os.ErrPermission):
		return 126, "ansible-playbook not executable"
	default:
		return 1, err.Error()
	}
}
