// Package shellclass decides how a shell command line interacts with a
// shared workspace.
//
// Commands are parsed with mvdan.cc/sh/v3/syntax and every simple command in
// the resulting tree (pipelines, lists, subshells and command substitutions
// included) is looked up in a small table of known programs. The class of
// the whole line is the strongest class of any of its parts.
package shellclass

import (
	"fmt"
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Class orders commands by how much they disturb a shared workspace.
type Class int

const (
	// ReadOnly commands only inspect the workspace.
	ReadOnly Class = iota
	// Mutating commands write to the workspace but may run alongside others.
	Mutating
	// Exclusive commands (builds, test runs, migrations, resets, installs)
	// must not overlap with any other exclusive command.
	Exclusive
)

func (c Class) String() string {
	switch c {
	case ReadOnly:
		return "read-only"
	case Mutating:
		return "mutating"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Result is the classification of one command line.
type Result struct {
	Class Class
	// Programs lists the programs found, in source order.
	Programs []string
	// Reasons explains every part that raised the class above ReadOnly.
	Reasons []string
}

func (r *Result) raise(c Class, reason string) {
	if c > r.Class {
		r.Class = c
	}
	if c > ReadOnly {
		r.Reasons = append(r.Reasons, reason)
	}
}

// Classify parses line as bash and classifies it. An unparsable line is an
// error; callers should refuse to run it.
func Classify(line string) (Result, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{}, fmt.Errorf("empty command")
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return Result{}, fmt.Errorf("parse command: %w", err)
	}

	res := Result{}
	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Redirect:
			classifyRedirect(&res, n)
		case *syntax.CallExpr:
			classifyCall(&res, n)
		}
		return true
	})
	return res, nil
}

func classifyRedirect(res *Result, r *syntax.Redirect) {
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut, syntax.RdrInOut:
	default:
		return
	}
	target := ""
	if r.Word != nil {
		target = r.Word.Lit()
	}
	if target == "/dev/null" || target == "/dev/stderr" || target == "/dev/stdout" {
		return
	}
	res.raise(Mutating, fmt.Sprintf("redirects output to %q", target))
}

func classifyCall(res *Result, call *syntax.CallExpr) {
	if len(call.Args) == 0 {
		// Bare assignments only change the shell's own state.
		return
	}
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		words = append(words, w.Lit())
	}
	words = stripWrappers(words)
	if len(words) == 0 {
		return
	}
	if words[0] == "" {
		res.Programs = append(res.Programs, "?")
		res.raise(Exclusive, "program name is computed at run time")
		return
	}
	prog := path.Base(words[0])
	res.Programs = append(res.Programs, prog)
	sub := ""
	for _, w := range words[1:] {
		if w != "" && !strings.HasPrefix(w, "-") {
			sub = w
			break
		}
	}
	c, reason := lookup(prog, sub, words[1:])
	res.raise(c, reason)
}

// stripWrappers drops prefixes such as sudo or env VAR=x that run another
// program unchanged.
func stripWrappers(words []string) []string {
	for len(words) > 0 {
		switch path.Base(words[0]) {
		case "sudo", "time", "nice", "nohup", "command", "exec":
			words = words[1:]
			for len(words) > 0 && strings.HasPrefix(words[0], "-") {
				words = words[1:]
			}
		case "env":
			words = words[1:]
			for len(words) > 0 && (strings.HasPrefix(words[0], "-") || strings.Contains(words[0], "=")) {
				words = words[1:]
			}
		default:
			return words
		}
	}
	return words
}
