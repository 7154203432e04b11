package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration  = errors.New("configuration error")
	ErrRetrieval      = errors.New("retrieval error")
	ErrExternalModel  = errors.New("external model error")
	ErrEvaluationCase = errors.New("evaluation case error")
)

// Error tags a failure with one of the kinds above.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func Configurationf(op, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

func RetrievalError(op string, err error) error {
	return &Error{Kind: ErrRetrieval, Op: op, Err: err}
}

func ExternalModelError(op string, err error) error {
	return &Error{Kind: ErrExternalModel, Op: op, Err: err}
}

func EvaluationCaseError(caseID int, err error) error {
	return &Error{Kind: ErrEvaluationCase, Op: fmt.Sprintf("case %d", caseID), Err: err}
}

// KindOf reports which kind err carries, or nil when it is untagged.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrRetrieval, ErrExternalModel, ErrEvaluationCase} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
