package evaluation

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// WriteReport prints a human readable summary of an evaluation run.
func WriteReport(w io.Writer, s Summary) error {
	bold := color.New(color.Bold)
	pass := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	dim := color.New(color.FgHiBlack)

	if _, err := bold.Fprintf(w, "Evaluation: %d cases, %d passed, %d failed (%.2fs)\n", s.TestCount, s.Passed, s.Failed, s.ElapsedSeconds); err != nil {
		return err
	}

	for _, r := range s.Results {
		status := pass.Sprint(r.Status)
		if r.Status != StatusPass {
			status = fail.Sprint(r.Status)
		}
		if _, err := fmt.Fprintf(w, "\n[%s] #%d %s\n", status, r.ID, r.Category); err != nil {
			return err
		}
		fmt.Fprintf(w, "  Q: %s\n", r.Question)
		fmt.Fprintf(w, "  guest %-8s %-5s %s\n", r.GuestOutcome, mark(r.GuestPass), dim.Sprint(r.GuestReason))
		fmt.Fprintf(w, "  admin %-8s %-5s %s\n", r.AdminOutcome, mark(r.AdminPass), dim.Sprint(r.AdminReason))
		if r.Error != "" {
			fmt.Fprintf(w, "  %s %s\n", fail.Sprint("error:"), oneLine(r.Error))
		}
	}

	_, err := fmt.Fprintln(w)
	return err
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
