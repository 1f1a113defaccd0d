// Package playbook builds ansible-playbook invocations and runs them with
// combined line-oriented output. The worker runtime and the primary's
// co-located executor share it; only the log transport differs between
// the two.
package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

const (
	// FlushLines and FlushAge bound how much playbook output a caller
	// buffers before pushing a log chunk.
	FlushLines = 10
	FlushAge   = 2 * time.Second

	// Delimiter separates the header and footer blocks from playbook output
	Delimiter = "================================================================================"
)

// Resolve tries the playbook name as given, then with .yml and .yaml
// appended. Falls back to the given name so ansible-playbook reports a
// precise file error.
func Resolve(contentDir, name string) string {
	base := filepath.Join(contentDir, "playbooks")
	for _, candidate := range []string{name, name + ".yml", name + ".yaml"} {
		path := filepath.Join(base, candidate)
		if fileExists(path) {
			return path
		}
	}
	return filepath.Join(base, name)
}

// Args builds the ansible-playbook argument list
func Args(job *models.Job, playbookPath, inventory string) []string {
	args := []string{playbookPath, "-i", inventory}
	if job.Target != "" {
		args = append(args, "-l", job.Target)
	}
	if len(job.ExtraVars) > 0 {
		extra, err := json.Marshal(job.ExtraVars)
		if err == nil {
			args = append(args, "-e", string(extra))
		}
	}
	return args
}

// FinalLogName derives <playbook>_<short_id>_<timestamp>.log with the
// playbook reduced to a store-safe base name.
func FinalLogName(job *models.Job, start time.Time) string {
	base := filepath.Base(job.Playbook)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = sanitizeNameComponent(base)
	if base == "" {
		base = "playbook"
	}
	return fmt.Sprintf("%s_%s_%s.log", base, job.ShortID(), start.Format("20060102-150405"))
}

func sanitizeNameComponent(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	return strings.Trim(out, ".")
}

// Header renders the block every log starts with. The first line keeps
// the Worker: prefix that downstream tooling greps for.
func Header(workerName, workerID string, job *models.Job, args []string, start time.Time) string {
	target := job.Target
	if target == "" {
		target = "all"
	}
	idPrefix := workerID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Worker: %s (%s)\n", workerName, idPrefix)
	fmt.Fprintf(&b, "Job: %s\n", job.ID)
	fmt.Fprintf(&b, "Playbook: %s\n", job.Playbook)
	fmt.Fprintf(&b, "Target: %s\n", target)
	fmt.Fprintf(&b, "Started: %s\n", start.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Command: ansible-playbook %s\n", strings.Join(args, " "))
	b.WriteString(Delimiter + "\n")
	return b.String()
}

// Footer closes a job log with the outcome block
func Footer(exitCode int, duration time.Duration) string {
	var b strings.Builder
	b.WriteString(Delimiter + "\n")
	fmt.Fprintf(&b, "Finished: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Exit code: %d\n", exitCode)
	fmt.Fprintf(&b, "Duration: %.1fs\n", duration.Seconds())
	return b.String()
}

// ReadFacts loads the host facts the bundle's callback plugin dumped for
// this job, if any, and removes the file.
func ReadFacts(path string) map[string]map[string]interface{} {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	defer os.Remove(path)

	var facts map[string]map[string]interface{}
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil
	}
	if len(facts) == 0 {
		return nil
	}
	return facts
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
