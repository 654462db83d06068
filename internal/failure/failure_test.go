package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeDistinguishesKinds(t *testing.T) {
	cases := map[Kind]int{
		ToolFailure:           ExitToolFailure,
		SourceFailure:         ExitSourceFailure,
		LaunchFailure:         ExitLaunchFailure,
		ResourceExhausted:     ExitResourceExhausted,
		CorruptCheckpoint:     ExitCorruptCheckpoint,
		RestartBudgetExceeded: ExitRestartBudgetExceeded,
		UserAbort:             ExitUserAbort,
	}
	seen := map[int]Kind{}
	for kind, want := range cases {
		err := fmt.Errorf("wrapped: %w", New(kind, "stage-a", errors.New("boom")))
		got := ExitCode(err)
		require.Equal(t, want, got, kind.String())
		prev, dup := seen[got]
		require.False(t, dup, "exit code %d shared by %s and %s", got, prev, kind)
		seen[got] = kind
	}
	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitGeneric, ExitCode(errors.New("plain")))
}

func TestErrorMessageNamesSubjectKindAndLog(t *testing.T) {
	err := New(SourceFailure, "game-server", errors.New("exit status 101")).WithLog("/var/log/fv/build.log")
	msg := err.Error()
	for _, part := range []string{"game-server", "sourceFailure", "exit status 101", "/var/log/fv/build.log"} {
		require.True(t, strings.Contains(msg, part), "message %q missing %q", msg, part)
	}
}

func TestOnlyToolFailureIsRetryable(t *testing.T) {
	require.True(t, ToolFailure.Retryable())
	for _, k := range []Kind{SourceFailure, LaunchFailure, ResourceExhausted, CorruptCheckpoint, RestartBudgetExceeded, UserAbort} {
		require.False(t, k.Retryable(), k.String())
	}
}

func TestIsAndKindOf(t *testing.T) {
	base := New(LaunchFailure, "login", errors.New("port 5500 in use"))
	wrapped := fmt.Errorf("start all: %w", base)
	require.True(t, Is(wrapped, LaunchFailure))
	require.False(t, Is(wrapped, ToolFailure))
	require.False(t, Is(nil, LaunchFailure))
	require.ErrorIs(t, wrapped, base)
}
