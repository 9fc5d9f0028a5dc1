package slots

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
)

func TestContext_DefaultDataSlot(t *testing.T) {
	c := NewContext(2)
	assert.Equal(t, 0, c.DefaultDataSlot())

	var changes [][2]int
	c.OnDefaultDataSlotChanged(func(from, to int) {
		changes = append(changes, [2]int{from, to})
	})

	require.NoError(t, c.SetDefaultDataSlot(1))
	require.NoError(t, c.SetDefaultDataSlot(1))
	assert.Equal(t, [][2]int{{0, 1}}, changes, "unchanged slot does not notify")

	err := c.SetDefaultDataSlot(2)
	assert.True(t, errors.Is(err, ErrInvalidSlot))
	assert.Equal(t, 1, c.DefaultDataSlot())
}

func TestContext_SlotFacts(t *testing.T) {
	c := NewContext(2)
	assert.True(t, c.IsValidSlot(1))
	assert.False(t, c.IsValidSlot(-1))
	assert.False(t, c.IsValidSlot(2))

	c.SetSimPresent(1, true)
	c.SetSimAccountLoaded(1, true)
	c.SetImsRegistration(1, false, true)
	c.SetPsRadioTech(1, pkg.RadioTechLTE)
	c.SetDsdsMode(pkg.DsdsModeV3)

	assert.True(t, c.HasSimCard(1))
	assert.False(t, c.HasSimCard(0))
	assert.True(t, c.IsSimAccountLoaded(1))
	assert.False(t, c.IsSimAccountLoaded(0))
	assert.True(t, c.ImsRegistered(1))
	assert.Equal(t, pkg.RadioTechLTE, c.PsRadioTech(1))
	assert.Equal(t, pkg.DsdsModeV3, c.DsdsMode())

	c.Reset()
	assert.False(t, c.HasSimCard(1))
	assert.False(t, c.IsSimAccountLoaded(1))
	assert.Equal(t, pkg.DsdsModeV2, c.DsdsMode())
	assert.Equal(t, 2, c.SimCount())
}
