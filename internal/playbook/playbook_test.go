package playbook

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	playbooks := filepath.Join(dir, "playbooks")
	require.NoError(t, os.MkdirAll(playbooks, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(playbooks, "site.yml"), []byte("- hosts: all\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(playbooks, "deploy.yaml"), []byte("- hosts: web\n"), 0o644))

	assert.Equal(t, filepath.Join(playbooks, "site.yml"), Resolve(dir, "site"))
	assert.Equal(t, filepath.Join(playbooks, "site.yml"), Resolve(dir, "site.yml"))
	assert.Equal(t, filepath.Join(playbooks, "deploy.yaml"), Resolve(dir, "deploy"))

	// Unresolvable names fall through so ansible-playbook reports the error
	assert.Equal(t, filepath.Join(playbooks, "missing"), Resolve(dir, "missing"))
}

func TestArgs(t *testing.T) {
	job := &models.Job{
		Playbook:  "site",
		Target:    "web01",
		ExtraVars: map[string]string{"env": "prod"},
	}

	args := Args(job, "/content/playbooks/site.yml", "/content/inventory")
	require.Equal(t, "/content/playbooks/site.yml", args[0])
	assert.Equal(t, []string{"-i", "/content/inventory"}, args[1:3])

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-l web01")
	assert.Contains(t, joined, `-e {"env":"prod"}`)
}

func TestArgsWithoutTarget(t *testing.T) {
	job := &models.Job{Playbook: "site"}
	args := Args(job, "site.yml", "inventory")

	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "-l")
	assert.NotContains(t, joined, "-e")
}

func TestFinalLogName(t *testing.T) {
	job := &models.Job{ID: "abcdef12-3456-7890-abcd-ef1234567890", Playbook: "site.yml"}
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	name := FinalLogName(job, start)
	assert.Equal(t, "site_abcdef12_20260314-150926.log", name)
}

func TestFinalLogNameSanitizesPlaybook(t *testing.T) {
	job := &models.Job{ID: "abcdef12", Playbook: "../weird/p b..k.yml"}
	name := FinalLogName(job, time.Now())

	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, "..")
	assert.NotContains(t, name, " ")
	assert.Regexp(t, regexp.MustCompile(`\.log$`), name)
}

func TestSanitizeNameComponent(t *testing.T) {
	assert.Equal(t, "site", sanitizeNameComponent("site"))
	assert.Equal(t, "a-b", sanitizeNameComponent("a b"))
	assert.Equal(t, "deploy.v2", sanitizeNameComponent("deploy.v2"))
	assert.Equal(t, "x.y", sanitizeNameComponent("x..y"))
	assert.Equal(t, "", sanitizeNameComponent("..."))
}

func TestHeader(t *testing.T) {
	job := &models.Job{ID: "abcdef12-3456", Playbook: "site", Target: "web01"}
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	args := []string{"/c/playbooks/site.yml", "-i", "/c/inventory", "-l", "web01"}

	header := Header("worker-1", "11112222-3333", job, args, start)
	lines := strings.Split(header, "\n")

	assert.Equal(t, "Worker: worker-1 (11112222)", lines[0])
	assert.Contains(t, header, "Job: abcdef12-3456\n")
	assert.Contains(t, header, "Playbook: site\n")
	assert.Contains(t, header, "Target: web01\n")
	assert.Contains(t, header, "Started: 2026-03-14T15:09:26Z\n")
	assert.Contains(t, header, "Command: ansible-playbook /c/playbooks/site.yml -i /c/inventory -l web01\n")
	assert.True(t, strings.HasSuffix(header, Delimiter+"\n"))
}

func TestHeaderDefaultsTargetToAll(t *testing.T) {
	job := &models.Job{ID: "x", Playbook: "site"}
	header := Header("w", "id", job, nil, time.Now())
	assert.Contains(t, header, "Target: all\n")
}

func TestFooter(t *testing.T) {
	footer := Footer(2, 1500*time.Millisecond)

	assert.True(t, strings.HasPrefix(footer, Delimiter+"\n"))
	assert.Contains(t, footer, "Exit code: 2\n")
	assert.Contains(t, footer, "Duration: 1.5s\n")
}

func TestSpawnExitCode(t *testing.T) {
	cmd := exec.Command("simpleweb-test-no-such-binary")
	err := cmd.Start()
	require.Error(t, err)

	code, msg := SpawnExitCode(err)
	assert.Equal(t, 127, code)
	assert.Equal(t, "ansible-playbook not found", msg)

	code, msg = SpawnExitCode(os.ErrPermission)
	assert.Equal(t, 126, code)
	assert.Equal(t, "ansible-playbook not executable", msg)

	code, _ = SpawnExitCode(context.DeadlineExceeded)
	assert.Equal(t, 1, code)
}

func TestRunStreamsOutput(t *testing.T) {
	bin := t.TempDir()
	script := "#!/bin/sh\necho first\necho second >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "ansible-playbook"), []byte(script), 0o755))
	t.Setenv("PATH", bin)

	var lines []string
	code, msg := Run(context.Background(), t.TempDir(), []string{"site.yml"}, "facts.json", func(line string) {
		lines = append(lines, line)
	})

	assert.Equal(t, 3, code)
	assert.Equal(t, "playbook failed with exit code 3", msg)
	assert.Equal(t, []string{"first\n", "second\n"}, lines)
}

func TestRunExportsFactsEnv(t *testing.T) {
	bin := t.TempDir()
	script := "#!/bin/sh\necho \"facts=$SIMPLEWEB_FACTS_FILE\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "ansible-playbook"), []byte(script), 0o755))
	t.Setenv("PATH", bin)

	var lines []string
	code, msg := Run(context.Background(), t.TempDir(), nil, "/run/facts-1.json", func(line string) {
		lines = append(lines, line)
	})

	assert.Equal(t, 0, code)
	assert.Empty(t, msg)
	assert.Contains(t, lines, "facts=/run/facts-1.json\n")
}

func TestRunMapsMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	var lines []string
	code, msg := Run(context.Background(), t.TempDir(), []string{"site.yml"}, "facts.json", func(line string) {
		lines = append(lines, line)
	})

	assert.Equal(t, 127, code)
	assert.Equal(t, "ansible-playbook not found", msg)
	assert.Contains(t, lines, "ERROR: ansible-playbook not found\n")
}

func TestReadFacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.json")
	payload := `{"web01":{"ansible_os_family":"Debian","ansible_memtotal_mb":2048}}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	facts := ReadFacts(path)
	require.NotNil(t, facts)
	assert.Equal(t, "Debian", facts["web01"]["ansible_os_family"])
	assert.NoFileExists(t, path)
}

func TestReadFactsMissingFile(t *testing.T) {
	assert.Nil(t, ReadFacts(filepath.Join(t.TempDir(), "absent.json")))
}
