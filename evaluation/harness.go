package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/query"
)

const responsePreview = 200

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// Runner is the part of the query engine the harness needs.
type Runner interface {
	Query(ctx context.Context, req query.Request) (query.Result, error)
}

type EvalResult struct {
	ID               int           `json:"id"`
	Category         string        `json:"category"`
	Question         string        `json:"question"`
	Description      string        `json:"description"`
	GuestResponse    string        `json:"guest_response"`
	GuestPass        bool          `json:"guest_pass"`
	GuestOutcome     query.Outcome `json:"guest_outcome"`
	GuestReason      string        `json:"guest_reason"`
	AdminResponse    string        `json:"admin_response"`
	AdminPass        bool          `json:"admin_pass"`
	AdminOutcome     query.Outcome `json:"admin_outcome"`
	AdminReason      string        `json:"admin_reason"`
	Status           string        `json:"status"`
	ExpectedKeywords []string      `json:"expected_keywords"`
	ShouldDenyGuest  bool          `json:"should_deny_guest"`
	Error            string        `json:"error,omitempty"`
}

type Summary struct {
	Status         string       `json:"status"`
	TestCount      int          `json:"test_count"`
	Passed         int          `json:"passed"`
	Failed         int          `json:"failed"`
	Results        []EvalResult `json:"results"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	Timestamp      time.Time    `json:"timestamp"`
}

type Harness struct {
	runner      Runner
	judge       Judge
	parallelism int
	logger      *slog.Logger
}

// NewHarness returns a harness that runs one case at a time unless
// parallelism is above one. A nil judge selects KeywordJudge.
func NewHarness(runner Runner, judge Judge, parallelism int, logger *slog.Logger) *Harness {
	if judge == nil {
		judge = KeywordJudge{}
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		runner:      runner,
		judge:       judge,
		parallelism: parallelism,
		logger:      logger.With("component", "evaluation"),
	}
}

// Run executes every case as guest and then as admin. Results come back in
// case id order whatever the parallelism. A failing case never stops the run.
func (h *Harness) Run(ctx context.Context, cases []TestCase) Summary {
	start := time.Now()
	ordered := append([]TestCase(nil), cases...)
	sortCases(ordered)

	results := make([]EvalResult, len(ordered))
	var g errgroup.Group
	g.SetLimit(h.parallelism)
	for i, tc := range ordered {
		g.Go(func() error {
			results[i] = h.runCase(ctx, tc)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Status:    "completed",
		TestCount: len(results),
		Results:   results,
	}
	for _, r := range results {
		if r.Status == StatusPass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	summary.ElapsedSeconds = time.Since(start).Seconds()
	summary.Timestamp = time.Now().UTC()

	h.logger.Info("evaluation finished",
		"cases", summary.TestCount,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"elapsed_seconds", summary.ElapsedSeconds,
	)
	return summary
}

func (h *Harness) runCase(ctx context.Context, tc TestCase) EvalResult {
	result := EvalResult{
		ID:               tc.ID,
		Category:         tc.Category,
		Question:         tc.Question,
		Description:      tc.Description,
		ExpectedKeywords: tc.ExpectedKeywords,
		ShouldDenyGuest:  tc.ShouldDenyGuest,
	}
	if result.ExpectedKeywords == nil {
		result.ExpectedKeywords = []string{}
	}

	guest, guestVerdict, guestErr := h.ask(ctx, tc, domain.RoleGuest)
	admin, adminVerdict, adminErr := h.ask(ctx, tc, domain.RoleAdmin)

	result.GuestResponse = domain.Snippet(guest.Answer, responsePreview)
	result.GuestOutcome = guest.Outcome
	result.GuestPass = guestVerdict.Pass
	result.GuestReason = guestVerdict.Reason
	result.AdminResponse = domain.Snippet(admin.Answer, responsePreview)
	result.AdminOutcome = admin.Outcome
	result.AdminPass = adminVerdict.Pass
	result.AdminReason = adminVerdict.Reason

	if err := errors.Join(guestErr, adminErr); err != nil {
		result.Error = err.Error()
	}

	result.Status = StatusFail
	if result.GuestPass && result.AdminPass {
		result.Status = StatusPass
	}

	h.logger.Info("evaluation case",
		"case", tc.ID,
		"category", tc.Category,
		"status", result.Status,
		"guest_outcome", result.GuestOutcome,
		"admin_outcome", result.AdminOutcome,
	)
	return result
}

// ask runs one role. Errors and panics become a failed result carrying the
// error text as its answer.
func (h *Harness) ask(ctx context.Context, tc TestCase, role domain.Role) (res query.Result, verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.EvaluationCaseError(tc.ID, fmt.Errorf("%s run panicked: %v", role, r))
			res = query.Result{Answer: "ERROR: " + err.Error(), Outcome: query.OutcomeFailed}
			verdict = Verdict{Pass: false, Reason: "query panicked"}
		}
	}()

	res, err = h.runner.Query(ctx, query.Request{Query: tc.Question, Role: string(role)})
	if err != nil {
		err = domain.EvaluationCaseError(tc.ID, fmt.Errorf("%s run: %w", role, err))
		res.Outcome = query.OutcomeFailed
		if strings.TrimSpace(res.Answer) == "" {
			res.Answer = "ERROR: " + err.Error()
		}
		h.logger.Warn("evaluation query failed", "case", tc.ID, "role", role, "error", err)
	}

	return res, h.judge.Judge(tc, role, res), err
}
