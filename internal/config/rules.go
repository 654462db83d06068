package config

// DefaultBuildRules classifies cargo/rustc output. Order matters: the first
// matching rule wins, so infrastructure signatures precede the generic
// compiler error rule.
func DefaultBuildRules() []RuleConfig {
	return []RuleConfig{
		{Name: "cargo-progress", Class: "benign", Pattern: `^\s*(Compiling|Checking|Downloading|Downloaded|Updating|Fetching|Finished|Running|Blocking|Locking|Adding|Building|Fresh|Documenting)\b`},
		{Name: "unused-warning", Class: "benign", Pattern: `^warning: unused (variable|variables|import|imports|field|fields|mut|result|must_use|doc comment|macro definition|label|lifetime)`},
		{Name: "dead-code-warning", Class: "benign", Pattern: `^warning: (field|fields|function|method|methods|variant|variants|constant|struct|enum|associated \w+|type alias|static) .*(is|are) never (read|used|constructed)`},
		{Name: "warning-summary", Class: "benign", Pattern: `^warning: .* generated \d+ warnings?`},
		{Name: "diagnostic-context", Class: "benign", Pattern: `^\s*(-->|\||= note:|= help:|\d+\s+\||\^+|help:|note:)`},

		{Name: "linker-missing", Class: "tool", Pattern: `(?i)(linker .* not found|error: linking with .* failed|could not exec the linker)`},
		{Name: "disk-full", Class: "tool", Pattern: `(?i)no space left on device`},
		{Name: "permission-denied", Class: "tool", Pattern: `(?i)permission denied`},
		{Name: "registry-fetch", Class: "tool", Pattern: `(?i)(failed to (download|fetch|get|load|update) |spurious network error|could not resolve host|connection (refused|reset|timed out)|network failure|failed to query replaced source registry|unable to update registry)`},
		{Name: "git-transport", Class: "tool", Pattern: `(?i)(could not read from remote repository|authentication failed|early eof|rpc failed|the remote end hung up)`},
		{Name: "command-not-found", Class: "tool", Pattern: `(?i)(command not found|not found in \$?PATH|no such command)`},
		{Name: "out-of-memory", Class: "tool", Pattern: `(?i)(out of memory|memory allocation of \d+ bytes failed|signal: 9, SIGKILL)`},

		{Name: "compiler-error", Class: "source", Pattern: `^error(\[E\d+\])?:`},
	}
}

// DefaultRunRules classifies server output. Unmatched lines use
// classify.run_default.
func DefaultRunRules() []RuleConfig {
	return []RuleConfig{
		{Name: "panic", Class: "fatal", Pattern: `(panicked at|^thread '.*' panicked|\bFATAL\b|\bPANIC\b)`},
		{Name: "error-level", Class: "fatal", Pattern: `\bERROR\b`},
		{Name: "warn-level", Class: "warn", Pattern: `\bWARN(ING)?\b`},
	}
}
