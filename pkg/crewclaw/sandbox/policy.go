// Package sandbox – policy.go implements the safe-command policy: a pure
// predicate that decides whether a shell command may run without human
// approval. Evaluation order is fixed: danger patterns veto first, then an
// optional leading `env VAR=value ...` prefix is stripped, then the
// remainder must begin with a known-safe prefix. Anything else needs
// approval.
package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PolicyConfig extends the built-in policy lists from configuration.
type PolicyConfig struct {
	// DangerPatterns are additional regexes that veto a command.
	DangerPatterns []string `yaml:"danger_patterns"`

	// SafePrefixes are additional command prefixes considered safe.
	SafePrefixes []string `yaml:"safe_prefixes"`
}

// DangerRule is one veto pattern.
type DangerRule struct {
	Name    string
	Pattern *regexp.Regexp
	Message string
}

// Verdict explains a policy decision.
type Verdict struct {
	Safe    bool
	Command string

	// Rule names the danger rule that vetoed the command, when any.
	Rule string

	// Reason is a short human-readable justification.
	Reason string
}

// CommandPolicy decides whether tool input describes a safe shell command.
// The predicate is pure: identical input always yields the same verdict.
type CommandPolicy struct {
	dangerRules  []DangerRule
	safePrefixes []string
}

// NewCommandPolicy builds a policy from the defaults plus config additions.
func NewCommandPolicy(cfg PolicyConfig) (*CommandPolicy, error) {
	p := &CommandPolicy{
		dangerRules:  defaultDangerRules(),
		safePrefixes: defaultSafePrefixes(),
	}

	for i, pat := range cfg.DangerPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("policy danger_patterns[%d] %q: %w", i, pat, err)
		}
		p.dangerRules = append(p.dangerRules, DangerRule{
			Name:    fmt.Sprintf("config-%d", i),
			Pattern: re,
			Message: "blocked by configured pattern",
		})
	}
	p.safePrefixes = append(p.safePrefixes, cfg.SafePrefixes...)

	// Longest prefix first so "git log" wins over a hypothetical "git".
	sort.Slice(p.safePrefixes, func(i, j int) bool {
		return len(p.safePrefixes[i]) > len(p.safePrefixes[j])
	})
	return p, nil
}

// IsSafe reports whether the tool input describes a safe command.
func (p *CommandPolicy) IsSafe(input any) bool {
	return p.Check(input).Safe
}

// Check evaluates the tool input and explains the decision.
func (p *CommandPolicy) Check(input any) Verdict {
	cmd := ExtractCommand(input)
	if strings.TrimSpace(cmd) == "" {
		return Verdict{Safe: false, Reason: "no command found in tool input"}
	}
	return p.checkCommand(strings.TrimSpace(cmd))
}

func (p *CommandPolicy) checkCommand(cmd string) Verdict {
	for _, rule := range p.dangerRules {
		if rule.Pattern.MatchString(cmd) {
			return Verdict{Safe: false, Command: cmd, Rule: rule.Name, Reason: rule.Message}
		}
	}

	rest := stripEnvPrefix(cmd)
	if rest == "" {
		return Verdict{Safe: false, Command: cmd, Reason: "env prefix without a command"}
	}

	for _, prefix := range p.safePrefixes {
		if rest == prefix || strings.HasPrefix(rest, prefix+" ") {
			return Verdict{Safe: true, Command: cmd, Reason: "matches safe prefix " + prefix}
		}
	}
	return Verdict{Safe: false, Command: cmd, Reason: "no safe prefix matched"}
}

// ExtractCommand pulls a command string out of an opaque tool input
// preview. Strings are used directly; maps are probed for the common field
// names, then single-entry maps fall back to their only value.
func ExtractCommand(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"command", "cmd", "script", "args", "input"} {
			raw, ok := v[key]
			if !ok {
				continue
			}
			switch val := raw.(type) {
			case string:
				return val
			case []string:
				return strings.Join(val, " ")
			case []any:
				parts := make([]string, 0, len(val))
				for _, a := range val {
					parts = append(parts, fmt.Sprintf("%v", a))
				}
				return strings.Join(parts, " ")
			}
		}
		if len(v) == 1 {
			for _, raw := range v {
				if s, ok := raw.(string); ok {
					return s
				}
				return fmt.Sprintf("%v", raw)
			}
		}
		return ""
	default:
		return ""
	}
}

// envAssignment matches one VAR=value token.
var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=\S*$`)

// stripEnvPrefix removes a leading `env VAR=value ...` wrapper and returns
// the wrapped command. Commands without the wrapper pass through.
func stripEnvPrefix(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 || fields[0] != "env" {
		return cmd
	}
	i := 1
	for i < len(fields) && envAssignment.MatchString(fields[i]) {
		i++
	}
	if i == 1 {
		// Bare "env" with no assignments: listing the environment, not a
		// wrapper. Leave it to the prefix match.
		return cmd
	}
	return strings.Join(fields[i:], " ")
}

// ---------- Defaults ----------

// defaultDangerRules returns the veto patterns. Order does not matter; any
// match ends evaluation.
func defaultDangerRules() []DangerRule {
	return []DangerRule{
		{
			Name:    "fs-mutation",
			Pattern: regexp.MustCompile(`\b(rm|rmdir|mv|cp|dd|mkfs\S*|ln|truncate|shred|scp|rsync)\b`),
			Message: "filesystem mutation command",
		},
		{
			Name:    "privilege-escalation",
			Pattern: regexp.MustCompile(`\b(sudo|su|doas)\b`),
			Message: "privilege escalation",
		},
		{
			Name:    "permission-change",
			Pattern: regexp.MustCompile(`\b(chmod|chown|chgrp)\b`),
			Message: "permission or ownership change",
		},
		{
			Name:    "output-redirect",
			Pattern: regexp.MustCompile(`>{1,2}|\btee\b`),
			Message: "output redirection writes to a file",
		},
		{
			Name:    "process-kill",
			Pattern: regexp.MustCompile(`\b(kill|pkill|killall)\b`),
			Message: "process termination",
		},
		{
			Name:    "system-power",
			Pattern: regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff|init\s+0)\b`),
			Message: "system shutdown or reboot",
		},
		{
			Name:    "subshell",
			Pattern: regexp.MustCompile("`|\\$\\("),
			Message: "backtick or $() subshell",
		},
		{
			Name:    "pipe-to-shell",
			Pattern: regexp.MustCompile(`\|\s*(ba|z|da|fi)?sh\b`),
			Message: "pipes output into a shell interpreter",
		},
		{
			Name:    "git-write",
			Pattern: regexp.MustCompile(`\bgit\s+(push|reset|clean|rebase|filter-branch|checkout\s+--|branch\s+-[dD]|stash\s+(pop|drop|clear)|commit|merge|cherry-pick|am\b)`),
			Message: "git operation that mutates the repository or remote",
		},
		{
			Name:    "curl-write",
			Pattern: regexp.MustCompile(`\bcurl\b.*(\s-X\s*(POST|PUT|DELETE|PATCH)|--data\b|\s-d\s|--form\b|\s-F\s|--upload-file\b|\s-o\s|\s-O(\s|$))`),
			Message: "curl invocation that uploads data or writes files",
		},
		{
			Name:    "wget",
			Pattern: regexp.MustCompile(`\bwget\b`),
			Message: "wget writes downloaded content to disk",
		},
		{
			Name:    "file-write-flag",
			Pattern: regexp.MustCompile(`\b(sort\s+.*-o\s+\S|jq\s+.*-f\s+\S|grep\s+.*-f\s+\S)`),
			Message: "tool flag that reads or writes an arbitrary file path",
		},
		{
			Name:    "package-install",
			Pattern: regexp.MustCompile(`\b(npm\s+(install|i|uninstall|publish)\b|pip\d?\s+install\b|apt(-get)?\s+|yum\s+|brew\s+(install|uninstall)\b)`),
			Message: "package manager mutation",
		},
	}
}

// defaultSafePrefixes returns the read-only command prefixes allowed
// without approval.
func defaultSafePrefixes() []string {
	return []string{
		// Filesystem viewers.
		"ls", "cat", "head", "tail", "less",
		"grep", "rg", "find", "wc", "file", "stat", "du", "df",
		"pwd", "which", "whereis", "tree", "realpath", "basename", "dirname",
		// Session info.
		"echo", "date", "whoami", "uname", "hostname", "id", "ps", "uptime",
		"env", "printenv",
		// Read-only git.
		"git status", "git log", "git diff", "git show", "git branch",
		"git remote", "git stash list", "git describe", "git rev-parse",
		"git ls-files", "git blame",
		// Build-and-test scripts.
		"npm run build", "npm run test", "npm run lint", "npm test", "npm ls",
		"yarn build", "yarn test",
		"tsc --noEmit", "npx tsc --noEmit",
		"go build", "go test", "go vet", "go version", "go env", "go list",
		"cargo check", "cargo test",
		"make test", "make build",
		// Runtime version probes.
		"node --version", "node -v", "python --version", "python3 --version",
		"ruby --version", "java -version",
		// Text processing.
		"jq", "yq", "sort", "uniq", "cut", "tr", "diff", "comm", "column",
		"md5sum", "sha256sum", "base64 -d", "xxd",
	}
}
