package policy

import (
	"regexp"
	"strings"
)

// builtinBlocklist are substrings denied in any command line.
var builtinBlocklist = []string{
	"rm -rf /",
	"rm -rf --no-preserve-root /",
	"rm -rf ~",
	"rm -rf .git",
	"del /s",
	"rd /s /q",
	"reg delete",
	"mkfs",
	"> /dev/sd",
	"dd if=/dev/zero of=/dev/",
	"chmod -r 777 /",
	":(){ :|:& };:",
	"eval $(",
	"git push --force",
	"git push -f",
	"git reset --hard",
	"git rebase",
	"git filter-branch",
	"git reflog expire",
	"git update-ref -d",
}

// builtinBlockedPrograms are programs denied as the first word of a command.
var builtinBlockedPrograms = map[string]struct{}{
	"shutdown": {},
	"reboot":   {},
	"poweroff": {},
	"halt":     {},
	"format":   {},
}

// pipeToShell matches downloads piped into an interpreter (`curl ... | sh`).
var pipeToShell = regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(sh|bash|zsh|python3?)\b`)

// networkPrograms need outbound network access.
var networkPrograms = map[string]struct{}{
	"curl":   {},
	"wget":   {},
	"ssh":    {},
	"scp":    {},
	"rsync":  {},
	"nc":     {},
	"telnet": {},
	"ftp":    {},
}

func matchBuiltinBlocklist(line string) (string, bool) {
	if p, ok := matchPatterns(line, builtinBlocklist); ok {
		return p, true
	}

	if pipeToShell.MatchString(line) {
		return "download piped to a shell", true
	}

	for _, cmd := range splitCommands(line) {
		if _, ok := builtinBlockedPrograms[programName(cmd)]; ok {
			return programName(cmd), true
		}
	}

	return "", false
}

// matchPatterns is a case insensitive substring match, whitespace is normalized.
func matchPatterns(line string, patterns []string) (string, bool) {
	norm := normalize(line)
	for _, p := range patterns {
		np := normalize(p)
		if np == "" {
			continue
		}
		if strings.Contains(norm, np) {
			return p, true
		}
	}
	return "", false
}

func usesNetworkProgram(line string) (string, bool) {
	for _, cmd := range splitCommands(line) {
		prog := programName(cmd)
		if _, ok := networkPrograms[prog]; ok {
			return prog, true
		}
	}
	return "", false
}

var commandSeparators = regexp.MustCompile(`\|\||&&|[;|&\n]`)

// splitCommands splits a shell line in its simple commands.
func splitCommands(line string) []string {
	parts := commandSeparators.Split(line, -1)
	cmds := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "sudo ")
		if p != "" {
			cmds = append(cmds, p)
		}
	}
	return cmds
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
