// Package policy implements the admission gate that screens request content
// before any routing or provider spend happens.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/openclaw/gateway/pkg/gwerr"
)

// Category classifies a policy violation.
type Category string

const (
	CategoryDestructive   Category = "destructive_command"
	CategorySecretExpose  Category = "secret_exposure"
	CategoryInjection     Category = "injection_attempt"
	CategoryMaliciousCode Category = "malicious_code"
	CategorySensitivePath Category = "sensitive_path"
)

// Severity orders violations for logging.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation describes why a request was blocked.
type Violation struct {
	Category Category
	Severity Severity
	Rule     string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Category, v.Rule)
}

type rule struct {
	re   *regexp.Regexp
	desc string
}

func mustRules(pairs ...[2]string) []rule {
	rules := make([]rule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, rule{re: regexp.MustCompile(`(?i)` + p[0]), desc: p[1]})
	}
	return rules
}

// Gate screens request content against rule groups. A request that matches
// a blocking rule never reaches the router or a provider.
type Gate struct {
	mu sync.RWMutex

	destructive []rule
	secrets     []rule
	injection   []rule
	malicious   []rule
	paths       []rule

	dangerousOps      []rule
	exampleIndicators []string
	allowCodeExamples bool

	log *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithCodeExampleAllowance permits injection-shaped content when the request
// reads like a question about code.
func WithCodeExampleAllowance(allow bool) Option {
	return func(g *Gate) { g.allowCodeExamples = allow }
}

// NewGate builds a Gate with the default rule set.
func NewGate(log *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		destructive: mustRules(
			[2]string{`\brm\s+(-[rf]+\s+)*[/~]`, "rm with root/home path"},
			[2]string{`\brm\s+-[rf]*\s+\*`, "rm with wildcard"},
			[2]string{`\brmdir\s+(-[rf]+\s+)*/`, "rmdir with root path"},
			[2]string{`>\s*/dev/sd[a-z]`, "write to block device"},
			[2]string{`\bmkfs\.`, "filesystem format"},
			[2]string{`\bdd\s+.*of=/dev/`, "dd to device"},
			[2]string{`:\(\)\{.*\|.*&\s*\};:`, "fork bomb"},
			[2]string{`\bsystemctl\s+(stop|disable)\s+(network|ssh|sshd)`, "disable critical service"},
			[2]string{`\biptables\s+-F`, "flush iptables"},
			[2]string{`\bufw\s+disable`, "disable firewall"},
		),
		secrets: mustRules(
			[2]string{`cat\s+.*(/etc/shadow|/etc/passwd)`, "read system credentials"},
			[2]string{`cat\s+.*(\.env|\.ssh|id_rsa|\.aws|credentials)`, "read secrets"},
			[2]string{`echo\s+.*\$\{?(api_key|secret|password|token)`, "echo secrets"},
			[2]string{`curl\s+.*@.*password`, "curl with password"},
			[2]string{`printenv\s+.*(secret|key|password|token)`, "print secret env"},
			[2]string{`export\s+.*=.*\bsk-[a-zA-Z0-9]+`, "export API key"},
		),
		injection: mustRules(
			[2]string{`;\s*(rm|cat|curl|wget|bash|sh|python|perl)`, "command injection"},
			[2]string{`\|\s*(bash|sh|python|perl)`, "pipe to shell"},
			[2]string{`\$\([^)]*\)`, "command substitution"},
			[2]string{"`[^`]+`", "backtick execution"},
			[2]string{`eval\s*\(`, "eval execution"},
			[2]string{`exec\s*\(`, "exec execution"},
		),
		malicious: mustRules(
			[2]string{`base64\s+-d.*\|\s*(bash|sh)`, "base64 decode to shell"},
			[2]string{`curl\s+.*\|\s*(bash|sh)`, "curl pipe to shell"},
			[2]string{`wget\s+.*-O\s*-\s*\|\s*(bash|sh)`, "wget pipe to shell"},
			[2]string{`nc\s+-[el]+`, "netcat listener"},
			[2]string{`/dev/tcp/`, "bash tcp"},
			[2]string{`python\s+-c\s+['"]import\s+(socket|subprocess)`, "python reverse shell"},
		),
		paths: mustRules(
			[2]string{`/etc/sudoers`, "sudoers modification"},
			[2]string{`/etc/passwd`, "passwd access"},
			[2]string{`/etc/shadow`, "shadow access"},
			[2]string{`/root/`, "root directory access"},
			[2]string{`~root/`, "root home access"},
			[2]string{`/proc/\d+/`, "process memory access"},
		),
		dangerousOps: mustRules(
			[2]string{`\bwrite\b`, "write"},
			[2]string{`\bmodify\b`, "modify"},
			[2]string{`\bchange\b`, "change"},
			[2]string{`\bedit\b`, "edit"},
			[2]string{`\bdelete\b`, "delete"},
			[2]string{`\bremove\b`, "remove"},
			[2]string{`\boverwrite\b`, "overwrite"},
			[2]string{`>\s*/`, "redirect to root"},
			[2]string{`\bchmod\b`, "chmod"},
			[2]string{`\bchown\b`, "chown"},
		),
		exampleIndicators: []string{
			"example", "how does", "explain", "what does",
			"syntax", "tutorial", "learn", "documentation", "docs",
		},
		allowCodeExamples: true,
		log:               log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates content against every rule group. A non-nil Violation means
// the request must be rejected. Sensitive paths block only when the content
// also names a mutating operation.
func (g *Gate) Check(content string) *Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	lower := strings.ToLower(content)

	if r, ok := match(g.destructive, lower); ok {
		return g.blocked(CategoryDestructive, SeverityCritical, r)
	}
	if r, ok := match(g.secrets, lower); ok {
		return g.blocked(CategorySecretExpose, SeverityHigh, r)
	}
	for _, r := range g.injection {
		if r.re.MatchString(lower) {
			if g.allowCodeExamples && g.looksLikeCodeQuestion(lower) {
				continue
			}
			return g.blocked(CategoryInjection, SeverityHigh, r)
		}
	}
	if r, ok := match(g.malicious, lower); ok {
		return g.blocked(CategoryMaliciousCode, SeverityHigh, r)
	}
	for _, r := range g.paths {
		if r.re.MatchString(lower) && g.hasDangerousOp(lower) {
			return g.blocked(CategorySensitivePath, SeverityMedium, r)
		}
	}
	return nil
}

// CheckErr wraps Check into the gateway error taxonomy.
func (g *Gate) CheckErr(content string) error {
	if v := g.Check(content); v != nil {
		return gwerr.Wrap(gwerr.KindPolicyViolation, string(v.Category), v, "request blocked: %s", v.Rule)
	}
	return nil
}

func match(rules []rule, content string) (rule, bool) {
	for _, r := range rules {
		if r.re.MatchString(content) {
			return r, true
		}
	}
	return rule{}, false
}

func (g *Gate) blocked(cat Category, sev Severity, r rule) *Violation {
	if g.log != nil {
		g.log.Warn("policy blocked request",
			"category", string(cat),
			"severity", string(sev),
			"rule", r.desc)
	}
	return &Violation{Category: cat, Severity: sev, Rule: r.desc}
}

func (g *Gate) looksLikeCodeQuestion(lower string) bool {
	for _, ind := range g.exampleIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func (g *Gate) hasDangerousOp(lower string) bool {
	for _, r := range g.dangerousOps {
		if r.re.MatchString(lower) {
			return true
		}
	}
	return false
}

// AddRule registers a custom blocking pattern at runtime. An invalid pattern
// is rejected rather than silently ignored.
func (g *Gate) AddRule(cat Category, pattern, desc string) error {
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return fmt.Errorf("compile policy rule: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r := rule{re: re, desc: desc}
	switch cat {
	case CategoryDestructive:
		g.destructive = append(g.destructive, r)
	case CategorySecretExpose:
		g.secrets = append(g.secrets, r)
	case CategoryInjection:
		g.injection = append(g.injection, r)
	case CategoryMaliciousCode:
		g.malicious = append(g.malicious, r)
	case CategorySensitivePath:
		g.paths = append(g.paths, r)
	default:
		return fmt.Errorf("unknown policy category %q", cat)
	}
	return nil
}

// Stats reports rule counts per group.
func (g *Gate) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"destructive":     len(g.destructive),
		"secrets":         len(g.secrets),
		"injection":       len(g.injection),
		"malicious":       len(g.malicious),
		"sensitive_paths": len(g.paths),
	}
}
