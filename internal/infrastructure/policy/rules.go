// Package policy holds the content rule sets of the network guard: the ordered WAF
// signatures and the DLP patterns, loaded from YAML and hot reloaded on change.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
)

// ValidatorLuhn rejects digit runs that fail the Luhn checksum.
const ValidatorLuhn = "luhn"

// RuleFile is the on-disk layout of a rule set.
//
//	waf:
//	  - name: sql_injection
//	    pattern: "(?i)union\\s+select"
//	    severity: high
//	    action: block
//	dlp:
//	  - name: credit_card
//	    pattern: "\\b(?:\\d[ -]?){13,19}\\b"
//	    severity: high
//	    validator: luhn
type RuleFile struct {
	WAF []models.WAFRule `yaml:"waf"`
	DLP []models.DLPRule `yaml:"dlp"`
}

type wafRule struct {
	models.WAFRule
	re *regexp.Regexp
}

type dlpRule struct {
	models.DLPRule
	re *regexp.Regexp
}

// RuleSet is an immutable compiled rule set. It is safe for concurrent use.
type RuleSet struct {
	waf []wafRule
	dlp []dlpRule
}

var _ service.ContentInspector = (*RuleSet)(nil)

// DefaultWAFRules are the built-in signatures in evaluation order.
func DefaultWAFRules() []models.WAFRule {
	return []models.WAFRule{
		{Name: "sql_injection", Pattern: `(?i)(\bunion\b[\s\S]*\bselect\b|\bor\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+|;\s*drop\s+table|'\s*or\s+'[^']*'\s*=\s*'|--\s*$)`, Severity: constants.SeverityHigh, Action: constants.WAFActionBlock},
		{Name: "script_tag", Pattern: `(?i)<\s*script\b|javascript:|on(error|load)\s*=`, Severity: constants.SeverityHigh, Action: constants.WAFActionBlock},
		{Name: "path_traversal", Pattern: `(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/)`, Severity: constants.SeverityHigh, Action: constants.WAFActionBlock},
		{Name: "code_execution", Pattern: `(?i)\b(eval|exec|system|passthru|shell_exec)\s*\(`, Severity: constants.SeverityCritical, Action: constants.WAFActionBlock},
		{Name: "command_injection", Pattern: `(;|\|\||&&|\$\(|` + "`" + `)\s*(cat|ls|rm|wget|curl|nc|bash|sh)\b`, Severity: constants.SeverityCritical, Action: constants.WAFActionBlock},
		{Name: "scanner_probe", Pattern: `(?i)(sqlmap|nikto|nmap|masscan)`, Severity: constants.SeverityLow, Action: constants.WAFActionLog},
	}
}

// DefaultDLPRules are the built-in sensitive data patterns.
func DefaultDLPRules() []models.DLPRule {
	return []models.DLPRule{
		{Name: "credit_card", Pattern: `\b(?:\d[ -]?){12,18}\d\b`, Severity: constants.SeverityHigh, Validator: ValidatorLuhn},
		{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Severity: constants.SeverityHigh},
		{Name: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Severity: constants.SeverityMedium},
		{Name: "aws_access_key", Pattern: `\b(AKIA|ASIA)[0-9A-Z]{16}\b`, Severity: constants.SeverityCritical},
		{Name: "private_key", Pattern: `-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`, Severity: constants.SeverityCritical},
		{Name: "jwt", Pattern: `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`, Severity: constants.SeverityHigh},
	}
}

// DefaultRuleSet compiles the built-in rules.
func DefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet(DefaultWAFRules(), DefaultDLPRules())
	if err != nil {
		panic(fmt.Sprintf("built-in rules do not compile: %v", err))
	}
	return rs
}

// NewRuleSet compiles the given rules, keeping their order.
func NewRuleSet(waf []models.WAFRule, dlp []models.DLPRule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range waf {
		if r.Action != constants.WAFActionBlock && r.Action != constants.WAFActionLog {
			return nil, fmt.Errorf("waf rule %q: unknown action %q", r.Name, r.Action)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("waf rule %q: %w", r.Name, err)
		}
		rs.waf = append(rs.waf, wafRule{WAFRule: r, re: re})
	}
	for _, r := range dlp {
		if r.Validator != "" && r.Validator != ValidatorLuhn {
			return nil, fmt.Errorf("dlp rule %q: unknown validator %q", r.Name, r.Validator)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp rule %q: %w", r.Name, err)
		}
		rs.dlp = append(rs.dlp, dlpRule{DLPRule: r, re: re})
	}
	return rs, nil
}

// LoadRuleFile reads and compiles a rule file. Sections left empty fall back to
// the built-in rules.
func LoadRuleFile(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	var f RuleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule file: %w", err)
	}
	if len(f.WAF) == 0 {
		f.WAF = DefaultWAFRules()
	}
	if len(f.DLP) == 0 {
		f.DLP = DefaultDLPRules()
	}
	return NewRuleSet(f.WAF, f.DLP)
}

// WAFRules returns the rules in evaluation order.
func (s *RuleSet) WAFRules() []models.WAFRule {
	out := make([]models.WAFRule, len(s.waf))
	for i, r := range s.waf {
		out[i] = r.WAFRule
	}
	return out
}

// InspectWAF evaluates content in rule order. The first matching block rule ends the
// evaluation; log rules matched before it are reported in Logged.
func (s *RuleSet) InspectWAF(content string) *models.WAFResult {
	res := &models.WAFResult{}
	for _, r := range s.waf {
		if !r.re.MatchString(content) {
			continue
		}
		if r.Action == constants.WAFActionBlock {
			res.Blocked = true
			res.Rule = r.Name
			return res
		}
		res.Logged = append(res.Logged, r.Name)
	}
	return res
}

// ScanDLP reports every sensitive match in content with the matched text masked.
func (s *RuleSet) ScanDLP(content string) *models.DLPResult {
	res := &models.DLPResult{Findings: []models.DLPFinding{}}
	for _, r := range s.dlp {
		for _, m := range r.re.FindAllString(content, -1) {
			if r.Validator == ValidatorLuhn && !luhnValid(m) {
				continue
			}
			res.Findings = append(res.Findings, models.DLPFinding{
				Type:     r.Name,
				Severity: r.Severity,
				Match:    mask(m),
			})
		}
	}
	res.Safe = len(res.Findings) == 0
	return res
}

func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// mask keeps the last four characters of matches longer than eight.
func mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
