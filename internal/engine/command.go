package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Command describes what to run. Exactly one of Line and Argv is set.
type Command struct {
	Line    string
	Argv    []string
	Workdir string
}

const shellMetaChars = "|&;<>()$`\\\"'*?[]#~={}!%\n"

// Words that only make sense to a shell; a line starting with one of them is
// never executed directly.
var shellWords = map[string]bool{
	".": true, "alias": true, "case": true, "cd": true, "eval": true,
	"exec": true, "exit": true, "export": true, "for": true, "function": true,
	"if": true, "read": true, "set": true, "source": true, "time": true,
	"trap": true, "ulimit": true, "umask": true, "unset": true, "until": true,
	"wait": true, "while": true,
}

func (c Command) Validate() error {
	hasLine := strings.TrimSpace(c.Line) != ""
	hasArgv := len(c.Argv) > 0

	switch {
	case hasLine && hasArgv:
		return errors.New("command line and argv are mutually exclusive")
	case hasArgv && strings.TrimSpace(c.Argv[0]) == "":
		return ErrEmptyCommand
	case !hasLine && !hasArgv:
		return ErrEmptyCommand
	}

	if c.Workdir != "" {
		if err := ValidateWorkdir(c.Workdir); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWorkdir accepts only absolute paths without home-directory
// shorthand.
func ValidateWorkdir(dir string) error {
	if strings.Contains(dir, "~") || !filepath.IsAbs(dir) {
		return fmt.Errorf("workdir %q must be an absolute path: %w", dir, ErrBadWorkdir)
	}
	return nil
}

func (c Command) String() string {
	if len(c.Argv) > 0 {
		return strings.Join(c.Argv, " ")
	}
	return c.Line
}

// Args resolves the command into the argument vector handed to the OS.
// Plain word lists are executed directly so that a missing binary fails at
// spawn time; anything using shell syntax goes through DefaultShell.
func (c Command) Args() []string {
	if len(c.Argv) > 0 {
		return c.Argv
	}
	if NeedsShell(c.Line) {
		return []string{DefaultShell, "-c", c.Line}
	}
	return strings.Fields(c.Line)
}

func NeedsShell(line string) bool {
	if strings.ContainsAny(line, shellMetaChars) {
		return true
	}
	fields := strings.Fields(line)
	return len(fields) > 0 && shellWords[fields[0]]
}
