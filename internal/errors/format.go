package errors

import (
	"fmt"
	"strings"
)

// Format renders the error for terminal display, one block per populated
// field. The CLI uses this for anything that reaches the user.
func (e *Error) Format() string {
	var b strings.Builder

	if e.Code != "" {
		fmt.Fprintf(&b, "[LOOM %s] %s\n", e.Code, e.Message)
	} else {
		fmt.Fprintf(&b, "%s\n", e.Message)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, "\n%s\n", e.Detail)
	}
	if e.Wrapped != nil {
		fmt.Fprintf(&b, "\ncaused by: %v\n", e.Wrapped)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "\nhint: %s\n", e.Suggestion)
	}
	return b.String()
}
