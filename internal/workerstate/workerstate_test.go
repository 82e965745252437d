package workerstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTableStartsInactive(t *testing.T) {
	tbl := New()
	require.False(t, tbl.IsActive(1))
	require.False(t, tbl.IsActive(2))
	require.Empty(t, tbl.ActiveRanks())
}

func TestActivateDeactivate(t *testing.T) {
	tbl := New()
	tbl.Activate(3)
	require.True(t, tbl.IsActive(3))
	require.ElementsMatch(t, []int{3}, tbl.ActiveRanks())

	tbl.Deactivate(3)
	require.False(t, tbl.IsActive(3))
	require.Empty(t, tbl.ActiveRanks())
}

func TestDeactivateNeverActivatedIsNoOp(t *testing.T) {
	tbl := New()
	tbl.Deactivate(7) // never activated: must not panic or flip to true
	require.False(t, tbl.IsActive(7))
}

func TestMultipleWorkersIndependent(t *testing.T) {
	tbl := New()
	tbl.Activate(1)
	tbl.Activate(2)
	tbl.Deactivate(1)
	require.False(t, tbl.IsActive(1))
	require.True(t, tbl.IsActive(2))
	require.ElementsMatch(t, []int{2}, tbl.ActiveRanks())
}
