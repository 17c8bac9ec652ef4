package correlation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// SuppressionRule marks nodes as known-benign. Pattern is a glob matched
// against the node id ("type:natural-key") and the node name; '*' matches
// any run of characters including '/'.
type SuppressionRule struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Description string `yaml:"description" json:"description"`

	re *regexp.Regexp
}

// Indicator is a threat indicator that raises the local score of chains
// touching a matching node.
type Indicator struct {
	ID         string         `yaml:"id" json:"id"`
	Kind       string         `yaml:"kind" json:"kind"` // process_name, cmdline, path, port, ip
	Value      string         `yaml:"value" json:"value"`
	Level      model.Severity `yaml:"level" json:"level"`
	Confidence float64        `yaml:"confidence" json:"confidence"`
}

// RuleSet is the on-disk rules file layout.
type RuleSet struct {
	Suppress   []SuppressionRule `yaml:"suppress"`
	Indicators []Indicator       `yaml:"indicators"`
}

// LoadRuleSet reads a YAML rules file.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for i := range rs.Suppress {
		if err := rs.Suppress[i].compile(); err != nil {
			return RuleSet{}, err
		}
	}
	for i, ind := range rs.Indicators {
		if ind.ID == "" || ind.Value == "" {
			return RuleSet{}, fmt.Errorf("indicator %d: id and value are required", i)
		}
	}
	return rs, nil
}

func (r *SuppressionRule) compile() error {
	if r.Pattern == "" {
		return fmt.Errorf("suppression rule %q: empty pattern", r.ID)
	}
	expr := "^" + strings.NewReplacer(`\*`, ".*", `\?`, ".").Replace(regexp.QuoteMeta(r.Pattern)) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("suppression rule %q: %w", r.ID, err)
	}
	r.re = re
	return nil
}

// Matches reports whether the node is covered by the rule.
func (r *SuppressionRule) Matches(n graph.Node) bool {
	if r.re == nil {
		return false
	}
	return r.re.MatchString(string(n.ID)) || (n.Name != "" && r.re.MatchString(n.Name))
}

func levelScore(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 1.0
	case model.SeverityHigh:
		return 0.8
	case model.SeverityMedium:
		return 0.5
	case model.SeverityLow:
		return 0.2
	default:
		return 0.1
	}
}

// Matches reports whether the node carries the indicator.
func (ind Indicator) Matches(n graph.Node) bool {
	value := strings.ToLower(ind.Value)
	switch ind.Kind {
	case "process_name":
		return n.Type == model.NodeProcess && strings.Contains(strings.ToLower(n.Name), value)
	case "cmdline":
		return strings.Contains(strings.ToLower(n.Attributes["cmdline"]), value)
	case "path":
		path := n.Attributes["path"]
		if path == "" {
			path = n.Attributes["exe"]
		}
		return path != "" && strings.HasPrefix(strings.ToLower(path), value)
	case "port":
		return n.Attributes["port"] == ind.Value
	case "ip":
		return n.Attributes["ip"] == ind.Value
	}
	return false
}

func defaultIndicators(ports, staging, sensitive []string) []Indicator {
	var out []Indicator
	for _, p := range ports {
		out = append(out, Indicator{ID: "suspicious_port_" + p, Kind: "port", Value: p, Level: model.SeverityMedium, Confidence: 0.7})
	}
	for _, p := range staging {
		out = append(out, Indicator{ID: "staging_path_" + p, Kind: "path", Value: p, Level: model.SeverityMedium, Confidence: 0.6})
	}
	for _, p := range sensitive {
		out = append(out, Indicator{ID: "sensitive_path_" + p, Kind: "path", Value: p, Level: model.SeverityHigh, Confidence: 0.9})
	}
	return out
}
