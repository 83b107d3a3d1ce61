package launcher

import (
	"errors"
	"fmt"
	"strings"
)

// ExitExecFailed is the exit status of a child whose image replacement failed.
const ExitExecFailed = 127

var (
	ErrNoCommand = errors.New("no target command given")
	ErrNotReady  = errors.New("suspended child did not report readiness")
)

// ExecError reports that the suspended child could not replace its image
// with the target program. It is fatal for the child only.
type ExecError struct {
	Argv   []string
	Reason string
}

func (e *ExecError) Error() string {
	name := "<empty>"
	if len(e.Argv) > 0 {
		name = e.Argv[0]
	}
	return fmt.Sprintf("exec %s: %s", name, strings.TrimSpace(e.Reason))
}
