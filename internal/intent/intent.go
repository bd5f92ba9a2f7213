// Package intent classifies free-text user messages with an ordered table of
// case-insensitive regular expressions. The first matching rule wins.
package intent

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Label is a classified intent.
type Label string

const (
	Greeting Label = "greeting"
	Pricing  Label = "pricing"
	Support  Label = "support"
	Product  Label = "product"
	Contact  Label = "contact"
	Thanks   Label = "thanks"
	Bye      Label = "bye"
	Unknown  Label = "unknown"
)

// Labels lists every matchable label in default priority order.
var Labels = []Label{Greeting, Pricing, Support, Product, Contact, Thanks, Bye}

// Known reports whether l is a matchable label.
func (l Label) Known() bool {
	for _, k := range Labels {
		if k == l {
			return true
		}
	}
	return false
}

// ErrInvalidRule is returned when a rule has an unknown label or a bad pattern.
var ErrInvalidRule = errors.New("invalid intent rule")

// Rule maps a pattern to a label (from YAML or the built-in table).
type Rule struct {
	Label   Label  `yaml:"label"`
	Pattern string `yaml:"pattern"`
}

type compiledRule struct {
	label Label
	re    *regexp.Regexp
}

// Table is an immutable, ordered rule table.
type Table struct {
	rules []compiledRule
}

// defaultRules keep the order greeting, pricing, support, product, contact, thanks, bye.
var defaultRules = []Rule{
	{Greeting, `\b(hello|hi|hey|good morning|good afternoon|good evening|main menu)\b`},
	{Pricing, `\b(prices?|pricing|costs?|how much|fees?|charges?|plans?)\b`},
	{Support, `\b(help|support|issues?|problems?|errors?|broken)\b`},
	{Product, `\b(products?|features?|services?|what can you do)\b`},
	{Contact, `\b(contact|email|phone|call|speak to (a )?human|human agent|live chat)\b`},
	{Thanks, `\b(thanks?|thank you|appreciate)`},
	{Bye, `\b(bye|goodbye|see you|later)\b`},
}

// DefaultTable returns the built-in rule table.
func DefaultTable() *Table {
	t, err := NewTable(defaultRules)
	if err != nil {
		panic(err) // built-in patterns are constants
	}
	return t
}

// NewTable compiles rules in order. Matching is always case-insensitive.
func NewTable(rules []Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: empty table", ErrInvalidRule)
	}
	t := &Table{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if !r.Label.Known() {
			return nil, fmt.Errorf("%w: rule %d: unknown label %q", ErrInvalidRule, i, r.Label)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, r.Label, err)
		}
		t.rules = append(t.rules, compiledRule{label: r.Label, re: re})
	}
	return t, nil
}

// LoadTable reads an ordered rule list from a YAML file:
//
//	- label: greeting
//	  pattern: '\b(hello|hi)\b'
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse intent rules %s: %w", path, err)
	}
	return NewTable(rules)
}

// Rules returns the table's rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = Rule{Label: r.label, Pattern: r.re.String()}
	}
	return out
}

// Classifier applies a Table. It is safe for concurrent use.
type Classifier struct {
	table *Table
}

// NewClassifier returns a classifier over table; nil means DefaultTable.
func NewClassifier(table *Table) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	return &Classifier{table: table}
}

// Classify returns the label of the first matching rule, or Unknown.
func (c *Classifier) Classify(text string) Label {
	for _, r := range c.table.rules {
		if r.re.MatchString(text) {
			return r.label
		}
	}
	return Unknown
}
