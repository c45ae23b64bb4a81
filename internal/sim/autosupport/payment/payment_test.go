package payment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStock records debits so tests can prove nothing was taken.
type countingStock struct {
	Inventory
	takes int
}

func (s *countingStock) Take(item string, n int) int {
	s.takes++
	return s.Inventory.Take(item, n)
}

func TestCanAfford(t *testing.T) {
	own := Inventory{"CONCRETE": 5, "IRON_PLATE": 2}
	depot := Inventory{"CONCRETE": 10}
	bill := map[string]int{"CONCRETE": 12, "IRON_PLATE": 2}

	assert.False(t, CanAfford(Consumer{Own: own, Depot: depot}, bill, false))
	assert.True(t, CanAfford(Consumer{Own: own, Depot: depot}, bill, true))
	assert.True(t, CanAfford(Consumer{Own: Inventory{}, FreeBuild: true}, bill, false))

	item, missing := Shortfall(Consumer{Own: own}, bill, true)
	assert.Equal(t, "CONCRETE", item)
	assert.Equal(t, 7, missing)
}

func TestPayPrecedence(t *testing.T) {
	bill := map[string]int{"CONCRETE": 6}

	own, depot := Inventory{"CONCRETE": 4}, Inventory{"CONCRETE": 4}
	r, err := Pay(Consumer{Own: own, Depot: depot}, bill, Options{AllowSharedDepot: true, PreferOwnStockFirst: true})
	require.NoError(t, err)
	assert.Equal(t, 0, own.Count("CONCRETE"))
	assert.Equal(t, 2, depot.Count("CONCRETE"))
	assert.Equal(t, map[string]int{"CONCRETE": 4}, r.Own)
	assert.Equal(t, map[string]int{"CONCRETE": 2}, r.Depot)

	own, depot = Inventory{"CONCRETE": 4}, Inventory{"CONCRETE": 4}
	r, err = Pay(Consumer{Own: own, Depot: depot}, bill, Options{AllowSharedDepot: true})
	require.NoError(t, err)
	assert.Equal(t, 2, own.Count("CONCRETE"))
	assert.Equal(t, 0, depot.Count("CONCRETE"))
	assert.Equal(t, map[string]int{"CONCRETE": 2}, r.Own)
	assert.Equal(t, map[string]int{"CONCRETE": 4}, r.Depot)

	own, depot = Inventory{"CONCRETE": 4}, Inventory{"CONCRETE": 4}
	_, err = Pay(Consumer{Own: own, Depot: depot}, bill, Options{})
	require.ErrorIs(t, err, ErrInsufficient)
	assert.Equal(t, 4, depot.Count("CONCRETE"), "depot untouched when not allowed")
}

func TestPayIfAffordableNeverDebitsPartially(t *testing.T) {
	own := &countingStock{Inventory: Inventory{"A_BOLT": 10, "B_PLATE": 1, "C_ROD": 10}}
	bill := map[string]int{"A_BOLT": 5, "B_PLATE": 3, "C_ROD": 5}

	r, err := PayIfAffordable(Consumer{Own: own}, bill, Options{})
	require.True(t, errors.Is(err, ErrInsufficient))
	assert.Empty(t, r.Total())
	assert.Zero(t, own.takes)
	assert.Equal(t, Inventory{"A_BOLT": 10, "B_PLATE": 1, "C_ROD": 10}, own.Inventory)

	// the unchecked primitive does leave earlier lines debited
	r, err = Pay(Consumer{Own: own}, bill, Options{})
	require.Error(t, err)
	assert.Equal(t, 5, own.Count("A_BOLT"))
	assert.Equal(t, map[string]int{"A_BOLT": 5, "B_PLATE": 1}, r.Own)
}

func TestPayIfAffordableFreeBuild(t *testing.T) {
	own := Inventory{}
	r, err := PayIfAffordable(Consumer{Own: own, FreeBuild: true}, map[string]int{"X": 100}, Options{})
	require.NoError(t, err)
	assert.Empty(t, own)
	assert.Empty(t, r.Total())
}

func TestRefund(t *testing.T) {
	own := Inventory{"CONCRETE": 1}
	Refund(Consumer{Own: own}, map[string]int{"CONCRETE": 4, "IRON_ROD": 2})
	assert.Equal(t, Inventory{"CONCRETE": 5, "IRON_ROD": 2}, own)
}

func TestReceiptReverseRestoresEachSource(t *testing.T) {
	own, depot := Inventory{"CONCRETE": 3, "IRON_ROD": 1}, Inventory{"CONCRETE": 10, "IRON_ROD": 5}
	c := Consumer{Own: own, Depot: depot}
	bill := map[string]int{"CONCRETE": 8, "IRON_ROD": 2}

	r, err := PayIfAffordable(c, bill, Options{AllowSharedDepot: true, PreferOwnStockFirst: true})
	require.NoError(t, err)
	assert.Equal(t, bill, r.Total())
	assert.Equal(t, Inventory{"CONCRETE": 5, "IRON_ROD": 4}, depot)

	r.Reverse(c)
	assert.Equal(t, Inventory{"CONCRETE": 3, "IRON_ROD": 1}, own)
	assert.Equal(t, Inventory{"CONCRETE": 10, "IRON_ROD": 5}, depot)
}
