package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-retail/internal/testing/guard"
)

func TestGuardEnablesTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(guard.EnvTestMode, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(guard.EnvTestMode, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
