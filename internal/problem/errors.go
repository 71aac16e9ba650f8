package problem

import (
	"errors"
	"fmt"
)

var (
	// ErrDefinition reports a malformed problem definition.
	ErrDefinition = errors.New("invalid problem definition")
	// ErrInvalidGraderReply reports a code grader reply that is not the expected JSON object.
	ErrInvalidGraderReply = errors.New("invalid grader reply")
	// ErrScript reports an author script that failed while building the instance context.
	ErrScript = errors.New("author script failed")
)

// DefinitionError locates a problem in the definition tree.
type DefinitionError struct {
	Node string
	Msg  string
}

func (e *DefinitionError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("problem definition: %s", e.Msg)
	}
	return fmt.Sprintf("problem definition: <%s>: %s", e.Node, e.Msg)
}

func (e *DefinitionError) Unwrap() error { return ErrDefinition }

func defErr(node, format string, args ...any) error {
	return &DefinitionError{Node: node, Msg: fmt.Sprintf(format, args...)}
}
