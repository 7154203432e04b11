package evaluation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/query"
)

// Verdict is a judge's grade for one run of one case.
type Verdict struct {
	Pass   bool
	Reason string
}

// Judge grades one answer. Implementations must be safe for concurrent use.
type Judge interface {
	Judge(tc TestCase, role domain.Role, result query.Result) Verdict
}

// judgeOutcome applies the rules shared by every judge. It reports done when
// the outcome alone decides the verdict.
func judgeOutcome(tc TestCase, role domain.Role, result query.Result) (Verdict, bool) {
	if result.Outcome == query.OutcomeFailed {
		return Verdict{Pass: false, Reason: "query failed"}, true
	}

	if tc.ShouldDenyGuest {
		if role == domain.RoleGuest {
			if result.Outcome == query.OutcomeDenied {
				return Verdict{Pass: true, Reason: "guest denied as expected"}, true
			}
			return Verdict{Pass: false, Reason: "guest received an answer"}, true
		}
		if result.Outcome == query.OutcomeDenied {
			return Verdict{Pass: false, Reason: "admin was denied"}, true
		}
		return Verdict{Pass: true, Reason: "admin received an answer"}, true
	}

	if result.Outcome == query.OutcomeDenied {
		return Verdict{Pass: false, Reason: "answer was denied"}, true
	}
	return Verdict{}, false
}

// KeywordJudge passes an answer containing any expected keyword,
// ignoring case.
type KeywordJudge struct{}

func (KeywordJudge) Judge(tc TestCase, role domain.Role, result query.Result) Verdict {
	if verdict, done := judgeOutcome(tc, role, result); done {
		return verdict
	}
	if len(tc.ExpectedKeywords) == 0 {
		return Verdict{Pass: true, Reason: "answered, no keywords required"}
	}

	answer := strings.ToLower(result.Answer)
	for _, keyword := range tc.ExpectedKeywords {
		if strings.Contains(answer, strings.ToLower(keyword)) {
			return Verdict{Pass: true, Reason: fmt.Sprintf("matched %q", keyword)}
		}
	}
	return Verdict{Pass: false, Reason: "no expected keyword found"}
}

// PatternJudge matches ExpectedPatterns as case-insensitive regular
// expressions. Cases without patterns fall back to their keywords, matched
// literally.
type PatternJudge struct{}

func (PatternJudge) Judge(tc TestCase, role domain.Role, result query.Result) Verdict {
	if verdict, done := judgeOutcome(tc, role, result); done {
		return verdict
	}

	patterns := tc.ExpectedPatterns
	if len(patterns) == 0 {
		for _, keyword := range tc.ExpectedKeywords {
			patterns = append(patterns, regexp.QuoteMeta(keyword))
		}
	}
	if len(patterns) == 0 {
		return Verdict{Pass: true, Reason: "answered, no patterns required"}
	}

	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return Verdict{Pass: false, Reason: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
		}
		if re.MatchString(result.Answer) {
			return Verdict{Pass: true, Reason: fmt.Sprintf("matched /%s/", pattern)}
		}
	}
	return Verdict{Pass: false, Reason: "no expected pattern matched"}
}

// NewJudge picks a judge by name. An empty name selects the keyword judge.
func NewJudge(name string) (Judge, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "keyword":
		return KeywordJudge{}, nil
	case "pattern", "regex":
		return PatternJudge{}, nil
	default:
		return nil, domain.Configurationf("select judge", "unknown judge %q", name)
	}
}
