package updater

import (
	"strings"

	"github.com/google/shlex"
)

// tokenizeExec splits an execve cmdline into its argv tokens and picks the
// executable path out of them: normally the first token, except when that
// token is the literal string "exec" (a shell builtin re-exec wrapper), in
// which case the second token is used. Falls back to a plain whitespace
// split if shell-style tokenization fails (unbalanced quotes and similar),
// mirroring the original implementation's try/except around shlex.split.
func tokenizeExec(cmdline string) (exe string, tokens []string) {
	tokens, err := shlex.Split(cmdline)
	if err != nil || len(tokens) == 0 {
		tokens = strings.Fields(cmdline)
	}
	if len(tokens) == 0 {
		return "", tokens
	}

	exe = tokens[0]
	if exe == "exec" && len(tokens) > 1 {
		exe = tokens[1]
	}
	return exe, tokens
}
