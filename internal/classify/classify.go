package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/forgevisor/internal/config"
)

// Class is the verdict for one line of subprocess output.
type Class string

const (
	Benign Class = "benign" // tagged [Info], excluded from the error log
	Info   Class = "info"
	Warn   Class = "warn"
	Tool   Class = "tool"   // build infrastructure signature
	Source Class = "source" // explicit defect in the compiled project
	Fatal  Class = "fatal"  // unmatched
)

// ParseClass validates a class name from configuration.
func ParseClass(s string) (Class, error) {
	switch c := Class(strings.ToLower(strings.TrimSpace(s))); c {
	case Benign, Info, Warn, Tool, Source, Fatal:
		return c, nil
	}
	return "", fmt.Errorf("unknown class %q", s)
}

// Rule is one configured pattern.
type Rule struct {
	Name    string
	Pattern string
	Class   Class
}

type compiled struct {
	name  string
	re    *regexp.Regexp
	class Class
}

// Verdict is the result of classifying a line.
type Verdict struct {
	Class Class
	Rule  string // name of the matching rule, empty for the fallback
}

// Classifier evaluates rules top to bottom; the first match wins.
type Classifier struct {
	rules    []compiled
	fallback Class
}

// New compiles rules. An empty fallback means Fatal.
func New(rules []Rule, fallback Class) (*Classifier, error) {
	if fallback == "" {
		fallback = Fatal
	}
	c := &Classifier{fallback: fallback, rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		c.rules = append(c.rules, compiled{name: r.Name, re: re, class: r.Class})
	}
	return c, nil
}

// Classify returns the verdict for line. Blank lines are always benign.
func (c *Classifier) Classify(line string) Verdict {
	if strings.TrimSpace(line) == "" {
		return Verdict{Class: Benign}
	}
	for _, r := range c.rules {
		if r.re.MatchString(line) {
			return Verdict{Class: r.class, Rule: r.name}
		}
	}
	return Verdict{Class: c.fallback}
}

// FromConfig compiles configured rules, validating every class name.
func FromConfig(rules []config.RuleConfig, fallback string) (*Classifier, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		c, err := ParseClass(r.Class)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		out = append(out, Rule{Name: r.Name, Pattern: r.Pattern, Class: c})
	}
	var fb Class
	if fallback != "" {
		c, err := ParseClass(fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		fb = c
	}
	return New(out, fb)
}
