package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsFor(t *testing.T) {
	tests := []struct {
		tier    Tier
		credits int
		upload  int64
	}{
		{TierFree, 10, 4 << 20},
		{TierPremium, 100, 50 << 20},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			l := LimitsFor(tt.tier)
			assert.Equal(t, tt.credits, l.MonthlyCredits)
			assert.Equal(t, tt.upload, l.MaxUploadBytes)
		})
	}
}

func TestLimitsFor_UnknownTierPanics(t *testing.T) {
	assert.Panics(t, func() { LimitsFor(Tier("ENTERPRISE")) })
	assert.Panics(t, func() { LimitsFor("") })
}

func TestAllowsUpload(t *testing.T) {
	free := LimitsFor(TierFree)

	assert.True(t, free.AllowsUpload(1))
	assert.True(t, free.AllowsUpload(4*MiB))
	assert.False(t, free.AllowsUpload(4*MiB+1))
	assert.False(t, free.AllowsUpload(0))
	assert.False(t, free.AllowsUpload(-1))

	assert.True(t, LimitsFor(TierPremium).AllowsUpload(50*MiB))
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" premium ")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)

	tier, err = ParseTier("FREE")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	_, err = ParseTier("gold")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestCostOf(t *testing.T) {
	assert.Equal(t, 1, CostOf(ActionChatMessage))
	assert.Equal(t, 1, CostOf(ActionUpload))
	assert.Panics(t, func() { CostOf(Action("EXPORT")) })
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("chat_message")
	require.NoError(t, err)
	assert.Equal(t, ActionChatMessage, a)

	_, err = ParseAction("delete")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
