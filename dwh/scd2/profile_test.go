package scd2

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/makadata/bankdwh/lib/config"
)

func TestProfileFor(t *testing.T) {
	{
		// Empty defaults to deleted_flg
		profile, err := ProfileFor("")
		assert.NoError(t, err)
		assert.Equal(t, "deleted_flg", profile.Name())
		assert.Equal(t, "deleted_flg", profile.FlagColumn())
		assert.False(t, profile.CurrentValue())
		assert.True(t, profile.ClosedValue())
	}
	{
		profile, err := ProfileFor("is_current")
		assert.NoError(t, err)
		assert.Equal(t, "is_current", profile.FlagColumn())
		assert.True(t, profile.CurrentValue())
		assert.False(t, profile.ClosedValue())
	}
	{
		_, err := ProfileFor("bitemporal")
		assert.ErrorAs(t, err, &config.ConfigError{})
		assert.ErrorContains(t, err, `unknown scd2 profile "bitemporal"`)
	}
}
