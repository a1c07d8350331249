package shellclass

import (
	"fmt"
	"slices"
	"strings"
)

var readOnlyPrograms = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "less": true, "grep": true, "rg": true,
	"wc": true, "pwd": true, "which": true, "test": true, "[": true, "echo": true, "printf": true,
	"stat": true, "file": true, "diff": true, "tree": true, "du": true, "df": true, "true": true,
	"false": true, "sort": true, "uniq": true, "cut": true, "jq": true, "date": true, "env": true,
}

// buildTools maps a program to the subcommands that build, test or install.
// A nil slice means every invocation is exclusive.
var buildTools = map[string][]string{
	"go":      {"build", "test", "install", "generate", "get", "mod", "vet"},
	"npm":     {"install", "ci", "run", "test", "build"},
	"yarn":    {"install", "add", "build", "test", "run"},
	"pnpm":    {"install", "add", "build", "test", "run"},
	"cargo":   {"build", "test", "install", "run"},
	"dotnet":  {"build", "test", "restore", "publish"},
	"pip":     {"install", "uninstall"},
	"pip3":    {"install", "uninstall"},
	"apt":     {"install", "remove", "upgrade"},
	"apt-get": {"install", "remove", "upgrade"},
	"brew":    {"install", "upgrade", "uninstall"},
	"make":    nil,
	"mvn":     nil,
	"gradle":  nil,
	"pytest":  nil,
	"bazel":   nil,
	"tsc":     nil,
}

var migrationTools = map[string]bool{
	"migrate": true, "goose": true, "atlas": true, "alembic": true, "flyway": true, "liquibase": true,
}

var gitReadOnly = []string{"status", "log", "diff", "show", "blame", "branch", "rev-parse", "ls-files", "grep"}

var gitReset = []string{"reset", "clean", "checkout", "restore", "stash", "rebase", "merge", "pull"}

func lookup(prog, sub string, args []string) (Class, string) {
	switch {
	case prog == "git":
		if slices.Contains(gitReset, sub) {
			return Exclusive, fmt.Sprintf("git %s rewrites the working tree", sub)
		}
		if slices.Contains(gitReadOnly, sub) {
			return ReadOnly, ""
		}
		return Mutating, fmt.Sprintf("git %s", sub)
	case migrationTools[prog]:
		return Exclusive, fmt.Sprintf("%s runs a schema migration", prog)
	case strings.Contains(sub, "migrate"):
		return Exclusive, fmt.Sprintf("%s %s runs a schema migration", prog, sub)
	case prog == "find":
		if slices.Contains(args, "-delete") || slices.Contains(args, "-exec") {
			return Mutating, "find with side effects"
		}
		return ReadOnly, ""
	case prog == "rm" && hasRecursiveFlag(args):
		return Exclusive, "recursive removal resets part of the workspace"
	case readOnlyPrograms[prog]:
		return ReadOnly, ""
	}
	if subs, ok := buildTools[prog]; ok {
		if subs == nil || slices.Contains(subs, sub) {
			return Exclusive, strings.TrimSpace(fmt.Sprintf("%s %s builds, tests or installs", prog, sub))
		}
		return Mutating, fmt.Sprintf("%s %s", prog, sub)
	}
	return Mutating, fmt.Sprintf("%s is not known to be read-only", prog)
}

func hasRecursiveFlag(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsAny(a, "rR") {
			return true
		}
	}
	return false
}
