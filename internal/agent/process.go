package agent

import (
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// ProcessDetector checks whether an agent process is running in a directory.
type ProcessDetector interface {
	IsRunning(worktreePath string) bool
}

// ProcessStopper can terminate an agent started by another apex process.
type ProcessStopper interface {
	Stop(worktreePath string) error
}

// OSProcessDetector detects agent processes from the pid files written by
// ClaudeRunner, falling back to pgrep + lsof (macOS/Linux).
type OSProcessDetector struct {
	// Name is the process name to look for. Empty means "claude".
	Name string
	// PIDDir is the ClaudeRunner pid file directory.
	PIDDir string
}

// IsRunning returns true if an agent process has its cwd at or under worktreePath.
func (d *OSProcessDetector) IsRunning(worktreePath string) bool {
	if d.PIDDir != "" {
		if _, ok := PIDFileFor(d.PIDDir, worktreePath).IsRunning(); ok {
			return true
		}
	}
	absWT, err := filepath.Abs(worktreePath)
	if err != nil {
		return false
	}
	name := d.Name
	if name == "" {
		name = "claude"
	}

	out, err := exec.Command("pgrep", "-x", name).Output()
	if err != nil {
		return false // pgrep not found or no matches
	}

	for pid := range strings.FieldsSeq(strings.TrimSpace(string(out))) {
		cwd := getCwd(pid)
		if cwd == "" {
			continue
		}
		if within(cwd, absWT) {
			return true
		}
	}
	return false
}

// Stop sends SIGTERM to the agent recorded for worktreePath. It is a no-op
// when no live agent is recorded.
func (d *OSProcessDetector) Stop(worktreePath string) error {
	if d.PIDDir == "" {
		return nil
	}
	pf := PIDFileFor(d.PIDDir, worktreePath)
	if _, ok := pf.IsRunning(); !ok {
		return nil
	}
	return pf.Signal(syscall.SIGTERM)
}

func within(path, root string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

// getCwd resolves the current working directory of a process via lsof.
func getCwd(pid string) string {
	out, err := exec.Command("lsof", "-a", "-p", pid, "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	return parseLsofCwd(string(out))
}

func parseLsofCwd(out string) string {
	for line := range strings.SplitSeq(out, "\n") {
		if strings.HasPrefix(line, "n") && !strings.HasPrefix(line, "n ") {
			return line[1:]
		}
	}
	return ""
}
