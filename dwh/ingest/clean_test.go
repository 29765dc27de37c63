package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanNumeric(t *testing.T) {
	{
		// Decimal comma
		cleaned, err := CleanNumeric("123,45")
		assert.NoError(t, err)
		assert.Equal(t, "123.45", cleaned)
	}
	{
		// Currency symbol and grouping spaces
		cleaned, err := CleanNumeric("1 234,56 ₽")
		assert.NoError(t, err)
		assert.Equal(t, "1234.56", cleaned)
	}
	{
		// Negative amount
		cleaned, err := CleanNumeric("-42.00")
		assert.NoError(t, err)
		assert.Equal(t, "-42.00", cleaned)
	}
	{
		// Plain integer passes through
		cleaned, err := CleanNumeric("100")
		assert.NoError(t, err)
		assert.Equal(t, "100", cleaned)
	}
	{
		_, err := CleanNumeric("n/a")
		assert.ErrorContains(t, err, `value "n/a" is not numeric`)
	}
}
