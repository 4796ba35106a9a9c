package records

import (
	"errors"
	"fmt"
	"strings"
)

// Column is one column of a ClickHouse mirror table.
type Column struct {
	Name string
	// Type is a ClickHouse type such as "UInt32" or "DateTime64(6)".
	Type string
	// Codec is optional, e.g. "Delta, ZSTD(3)".
	Codec string
}

func (c Column) definition() string {
	if c.Codec == "" {
		return c.Name + " " + c.Type
	}
	return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
}

// Columns is a mirror table schema in insert order.
type Columns []Column

// MilestoneColumns is the per-milestone mirror table. computed_at is the
// ReplacingMergeTree version column.
var MilestoneColumns = Columns{
	{Name: "kind", Type: "LowCardinality(String)"},
	{Name: "milestone_index", Type: "UInt32", Codec: "Delta, ZSTD(3)"},
	{Name: "milestone_timestamp", Type: "DateTime64(6)"},
	{Name: "value", Type: "String", Codec: "ZSTD(3)"},
	{Name: "computed_at", Type: "DateTime64(6)"},
}

// IntervalColumns is the interval mirror table.
var IntervalColumns = Columns{
	{Name: "kind", Type: "LowCardinality(String)"},
	{Name: "bucket_interval", Type: "LowCardinality(String)"},
	{Name: "bucket_start", Type: "DateTime64(6)"},
	{Name: "bucket_end", Type: "DateTime64(6)"},
	{Name: "value", Type: "String", Codec: "ZSTD(3)"},
	{Name: "computed_at", Type: "DateTime64(6)"},
}

// Schema is the column list of a CREATE TABLE statement.
func (cs Columns) Schema() string {
	defs := make([]string, len(cs))
	for i, c := range cs {
		defs[i] = c.definition()
	}
	return strings.Join(defs, ",\n\t\t\t")
}

// Names is the column list of an INSERT statement.
func (cs Columns) Names() string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// Validate reports the first column missing a name or type, or a name used twice.
func (cs Columns) Validate() error {
	seen := make(map[string]bool, len(cs))
	for i, c := range cs {
		switch {
		case c.Name == "":
			return fmt.Errorf("column %d: empty name", i)
		case c.Type == "":
			return fmt.Errorf("column %s: empty type", c.Name)
		case seen[c.Name]:
			return fmt.Errorf("column %s: %w", c.Name, errDuplicateColumn)
		}
		seen[c.Name] = true
	}
	return nil
}

var errDuplicateColumn = errors.New("defined twice")
