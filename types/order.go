package types

import "strings"

// OrderClause represents a single sort instruction.
type OrderClause struct {
	Field      string
	Descending bool
}

// Direction returns the native sort direction (1 ascending, -1
// descending) for the clause.
func (c OrderClause) Direction() int {
	if c.Descending {
		return -1
	}
	return 1
}

// ParseOrdering converts ["name", "-age"] style specifications into
// order clauses; a leading '-' denotes descending order.
func ParseOrdering(fields []string) []OrderClause {
	if len(fields) == 0 {
		return nil
	}
	clauses := make([]OrderClause, 0, len(fields))
	for _, field := range fields {
		if strings.HasPrefix(field, "-") {
			clauses = append(clauses, OrderClause{Field: field[1:], Descending: true})
		} else {
			clauses = append(clauses, OrderClause{Field: field})
		}
	}
	return clauses
}
