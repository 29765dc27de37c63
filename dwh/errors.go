// Package dwh holds types shared by the warehouse load engines.
package dwh

import "fmt"

// ConsistencyError signals corrupted warehouse state or a watermark moving
// backward. It is fatal for the affected entity; the run continues with the
// others and is reported failed overall.
type ConsistencyError struct {
	Table   string
	Message string
}

func (c ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s: %s", c.Table, c.Message)
}

// MergeError marks a staging row the SCD2 engine cannot historize. The row is
// logged and skipped; entity processing continues.
type MergeError struct {
	Entity  string
	Message string
}

func (m MergeError) Error() string {
	return fmt.Sprintf("merge %s: %s", m.Entity, m.Message)
}

// DuplicateKeyError reports re-delivery of an already loaded fact row. Facts
// are write-once, so the duplicate is surfaced rather than silently skipped.
type DuplicateKeyError struct {
	Entity string
	Key    string
}

func (d DuplicateKeyError) Error() string {
	return fmt.Sprintf("fact %s: primary key %q already exists", d.Entity, d.Key)
}
