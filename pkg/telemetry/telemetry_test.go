package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvEnabled, "")

	shutdown, err := Setup(context.Background(), "offline-cache", "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupExplicitlyDisabled(t *testing.T) {
	t.Setenv(EnvEndpoint, "http://localhost:4318")
	t.Setenv(EnvEnabled, "FALSE")

	shutdown, err := Setup(context.Background(), "offline-cache", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	// non-routable, nothing is exported
	t.Setenv(EnvEndpoint, "http://192.0.2.1:4318")
	t.Setenv(EnvEnabled, "")

	shutdown, err := Setup(context.Background(), "offline-cache", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
