package taskrunner

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
)

type recordingSink struct {
	messages []string
}

func (s *recordingSink) Status(message, substate string) {
	s.messages = append(s.messages, message)
}

func TestEchoRunAppendsTaskLog(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var runner = New(fs)
	var sink = &recordingSink{}

	summary, err := runner.Run(context.Background(), "d1", "/work/d1", protocol.Task{Description: "say hi", Prompt: "hello"}, sink)
	require.NoError(t, err)
	require.Equal(t, `ran "say hi"`, summary)
	require.Len(t, sink.messages, 2)

	log, err := afero.ReadFile(fs, "/work/d1/AWCP_TASK.log")
	require.NoError(t, err)
	require.Contains(t, string(log), `description="say hi"`)
}
