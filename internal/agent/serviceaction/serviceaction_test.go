package serviceaction

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/protocol"
)

func TestRunInvokesSystemctlWithExpectedArgs(t *testing.T) {
	r := New(zerolog.Nop())
	var gotAction, gotService string
	r.run = func(ctx context.Context, action, service string) ([]byte, error) {
		gotAction, gotService = action, service
		return nil, nil
	}

	err := r.Run(context.Background(), protocol.ServiceActionPayload{Service: "nginx", Action: "restart"})
	require.NoError(t, err)
	require.Equal(t, "restart", gotAction)
	require.Equal(t, "nginx", gotService)
}

func TestRunRejectsUnknownAction(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.Run(context.Background(), protocol.ServiceActionPayload{Service: "nginx", Action: "destroy"})
	require.Error(t, err)
}

func TestRunRequiresServiceName(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.Run(context.Background(), protocol.ServiceActionPayload{Action: "start"})
	require.Error(t, err)
}

func TestRunPropagatesCommandFailure(t *testing.T) {
	r := New(zerolog.Nop())
	r.run = func(ctx context.Context, action, service string) ([]byte, error) {
		return []byte("unit not found"), errors.New("exit status 1")
	}
	err := r.Run(context.Background(), protocol.ServiceActionPayload{Service: "missing", Action: "stop"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unit not found")
}
