// Package taskrunner provides a minimal demonstration TaskRunner. The real
// task runner is an injected, out-of-scope collaborator (spec §1); this
// package exists only so the engine and its tests have something concrete
// to invoke.
package taskrunner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
)

// Sink is the write-only event channel handed to a TaskRunner, letting it
// emit status events as it works without ever holding a reference back into
// the engine (design note: "Long-lived event streams").
type Sink interface {
	Status(message, substate string)
}

// Runner is the interface the Executor engine invokes once setup succeeds.
type Runner interface {
	Run(ctx context.Context, delegationID, workPath string, task protocol.Task, sink Sink) (summary string, err error)
}

// Echo is a trivial Runner: it appends a line with the delegation id, task
// description and task prompt to a file named AWCP_TASK.log under the work
// path and reports `ran "<description>"` as its summary. It demonstrates
// the Runner contract; it is not a stand-in for a real agent.
type Echo struct {
	fs afero.Fs
}

// New constructs an Echo runner over fs.
func New(fs afero.Fs) *Echo {
	return &Echo{fs: fs}
}

func (e *Echo) Run(ctx context.Context, delegationID, workPath string, task protocol.Task, sink Sink) (string, error) {
	sink.Status(fmt.Sprintf("starting task %q", task.Description), "starting")

	path := filepath.Join(workPath, "AWCP_TASK.log")
	line := fmt.Sprintf("delegation=%s description=%q prompt=%q\n", delegationID, task.Description, task.Prompt)
	existing, _ := afero.ReadFile(e.fs, path)
	if err := afero.WriteFile(e.fs, path, append(existing, []byte(line)...), 0o644); err != nil {
		return "", fmt.Errorf("write task log: %w", err)
	}

	sink.Status("task complete", "finishing")
	return fmt.Sprintf("ran %q", task.Description), nil
}
