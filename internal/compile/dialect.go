package compile

import "time"

// Exported dialect helpers for packages that extend a compiled statement
// with their own clauses (pagination predicates, facet aggregates). All SQL
// text construction stays anchored to this package.

// QuoteIdent renders a column identifier.
func QuoteIdent(name string) string { return quoteIdent(name) }

// StringLiteral renders a quoted, escaped string literal.
func StringLiteral(v string) string { return stringLit(v) }

// NumberLiteral renders a numeric literal deterministically.
func NumberLiteral(v float64) string { return numberLit(v) }

// TimeLiteral renders a DateTime64(3) literal in UTC.
func TimeLiteral(t time.Time) string { return timeLit(t) }

// And combines predicates with AND, parenthesizing each.
func And(preds ...string) string { return andJoin(preds) }
