package sql

import (
	"fmt"
	"strings"
)

func QuoteIdentifier(identifier string) string {
	return fmt.Sprintf(`"%s"`, strings.ReplaceAll(identifier, `"`, `""`))
}

func QuoteIdentifiers(identifiers []string) []string {
	quoted := make([]string, len(identifiers))
	for idx, identifier := range identifiers {
		quoted[idx] = QuoteIdentifier(identifier)
	}
	return quoted
}

func QuoteLiteral(value string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(value, "'", "''"))
}

// Placeholders returns "$start, $start+1, ..." for count Postgres bind args.
func Placeholders(start, count int) string {
	parts := make([]string, count)
	for idx := range parts {
		parts[idx] = fmt.Sprintf("$%d", start+idx)
	}
	return strings.Join(parts, ", ")
}
