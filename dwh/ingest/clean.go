package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// CleanNumeric normalizes a money value from an extract. Decimal commas become
// dots and currency symbols or grouping spaces are stripped; the result must
// parse as an exact decimal.
func CleanNumeric(value string) (string, error) {
	cleaned := strings.ReplaceAll(value, ",", ".")
	cleaned = nonNumeric.ReplaceAllString(cleaned, "")

	decimal, _, err := apd.NewFromString(cleaned)
	if err != nil {
		return "", fmt.Errorf("value %q is not numeric: %w", value, err)
	}

	return decimal.String(), nil
}
