package transaction

import (
	"fmt"
	"strings"
)

// TransactionError reports a scope state violation, such as using a scope
// from two goroutines at once or journalling after commit.
type TransactionError struct {
	Scope  string
	Reason string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %s", e.Scope, e.Reason)
}

// FailedInverse is one compensating operation that could not be issued
// during rollback. The touched records stay in their post-write state.
type FailedInverse struct {
	Kind  Kind
	Model string
	IDs   []int64
	Err   error
}

// RollbackError reports that one or more compensating operations failed.
// The scope is aborted; the listed operations were not undone.
type RollbackError struct {
	Scope       string
	Unrecovered []FailedInverse
}

func (e *RollbackError) Error() string {
	parts := make([]string, 0, len(e.Unrecovered))
	for _, f := range e.Unrecovered {
		parts = append(parts, fmt.Sprintf("%s %s %v: %v", f.Kind, f.Model, f.IDs, f.Err))
	}
	return fmt.Sprintf("transaction %s: rollback left %d operation(s) unrecovered: %s",
		e.Scope, len(e.Unrecovered), strings.Join(parts, "; "))
}

func (e *RollbackError) Unwrap() error {
	if len(e.Unrecovered) == 0 {
		return nil
	}
	return e.Unrecovered[0].Err
}
