package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalStatus_aliases(t *testing.T) {
	cases := map[string]string{
		"inprogress": StatusOutForDelivery,
		"ontheway":   StatusOutForDelivery,
		"accepted":   StatusAssigned,
		"pickedup":   StatusPickedUp,
		"picked_up":  StatusPickedUp,
		"cancelled":  StatusCancelled,
	}
	for raw, want := range cases {
		got, ok := CanonicalStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	got, ok := CanonicalStatus("teleported")
	require.False(t, ok)
	require.Equal(t, "teleported", got) // неизвестный статус сохраняем как есть
}

func TestNextStatusAllowed(t *testing.T) {
	require.True(t, NextStatusAllowed(StatusPending, StatusConfirmed))
	require.True(t, NextStatusAllowed(StatusPickedUp, StatusOutForDelivery))
	require.True(t, NextStatusAllowed(StatusDelivered, StatusCompleted))

	require.False(t, NextStatusAllowed(StatusPending, StatusDelivered))
	require.False(t, NextStatusAllowed(StatusDelivered, StatusPending))
	require.False(t, NextStatusAllowed(StatusConfirmed, StatusConfirmed))

	// cancelled из любого нетерминального
	require.True(t, NextStatusAllowed(StatusPending, StatusCancelled))
	require.True(t, NextStatusAllowed(StatusOutForDelivery, StatusCancelled))
	require.False(t, NextStatusAllowed(StatusDelivered, StatusCancelled))
	require.False(t, NextStatusAllowed(StatusCancelled, StatusCancelled))
}

func TestIsTerminalStatus(t *testing.T) {
	require.True(t, IsTerminalStatus(StatusDelivered))
	require.True(t, IsTerminalStatus(StatusCompleted))
	require.True(t, IsTerminalStatus(StatusCancelled))
	require.False(t, IsTerminalStatus(StatusOutForDelivery))
}
