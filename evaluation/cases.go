// Package evaluation runs a battery of questions through the query engine
// under both roles and grades the answers.
package evaluation

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fabfab/juris-guard/domain"
)

//go:embed cases.yaml
var defaultCases []byte

type TestCase struct {
	ID               int      `yaml:"id" json:"id"`
	Category         string   `yaml:"category" json:"category"`
	Question         string   `yaml:"question" json:"question"`
	Description      string   `yaml:"description" json:"description"`
	ExpectedKeywords []string `yaml:"expected_keywords" json:"expected_keywords"`
	// ExpectedPatterns are regular expressions used by PatternJudge.
	ExpectedPatterns []string `yaml:"expected_patterns,omitempty" json:"expected_patterns,omitempty"`
	ShouldDenyGuest  bool     `yaml:"should_deny_guest" json:"should_deny_guest"`
}

type caseFile struct {
	Cases []TestCase `yaml:"cases"`
}

// DefaultCases returns the built-in contract fixtures.
func DefaultCases() ([]TestCase, error) {
	return ParseCases(defaultCases)
}

// LoadCases reads cases from a yaml file, or the built-in set when path is empty.
func LoadCases(path string) ([]TestCase, error) {
	if path == "" {
		return DefaultCases()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Configurationf("load cases", "read %s: %v", path, err)
	}
	return ParseCases(data)
}

// ParseCases decodes and validates a case file. The result is sorted by id.
func ParseCases(data []byte) ([]TestCase, error) {
	var file caseFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, domain.Configurationf("parse cases", "decode yaml: %v", err)
	}
	if len(file.Cases) == 0 {
		return nil, domain.Configurationf("parse cases", "no test cases defined")
	}

	seen := make(map[int]struct{}, len(file.Cases))
	for _, tc := range file.Cases {
		if tc.ID <= 0 {
			return nil, domain.Configurationf("parse cases", "case id must be positive, got %d", tc.ID)
		}
		if _, dup := seen[tc.ID]; dup {
			return nil, domain.Configurationf("parse cases", "duplicate case id %d", tc.ID)
		}
		seen[tc.ID] = struct{}{}
		if strings.TrimSpace(tc.Question) == "" {
			return nil, domain.Configurationf("parse cases", "case %d has no question", tc.ID)
		}
	}

	sortCases(file.Cases)
	return file.Cases, nil
}

func sortCases(cases []TestCase) {
	sort.SliceStable(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })
}

func (tc TestCase) String() string {
	return fmt.Sprintf("#%d %s", tc.ID, tc.Category)
}
