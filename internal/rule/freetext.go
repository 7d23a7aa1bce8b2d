package rule

import (
	"fmt"
	"strings"
)

// Query is a parsed free-text query: an implicit conjunction of terms.
// Bare terms (no field) expand at compile time to a contains-disjunction
// over all searchable fields.
type Query struct {
	Terms []Term `json:"terms"`
}

// Term is one unit of a free-text query.
type Term struct {
	Field   string `json:"field,omitempty"`
	Op      Op     `json:"op"`
	Value   string `json:"value"`
	Negated bool   `json:"negated,omitempty"`
}

// IsBare reports whether the term has no field qualifier.
func (t Term) IsBare() bool { return t.Field == "" }

// MatchAll reports whether the query matches everything.
func (q *Query) MatchAll() bool { return q == nil || len(q.Terms) == 0 }

// ParseQuery tokenizes a free-text query string into a Query AST.
//
// Supported syntax:
//
//	severity:high            field equals
//	user:"alice smith"       quoted value
//	dst_port:>1024           comparison (>, >=, <, <=, !=)
//	dns_query:/.*[.]ru/      regular expression
//	-status:success          negation
//	beacon                   bare term (contains over searchable fields)
//	AND                      ignored; conjunction is implicit
//	* or empty               match all
func ParseQuery(input string) (*Query, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}

	q := &Query{}
	for _, tok := range tokens {
		if strings.EqualFold(tok, "AND") || tok == "*" {
			continue
		}
		if strings.EqualFold(tok, "OR") || strings.EqualFold(tok, "NOT") {
			return nil, fmt.Errorf("parse query: operator %q is not supported; terms are implicitly ANDed", tok)
		}

		term, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		q.Terms = append(q.Terms, term)
	}
	return q, nil
}

// Normalize renders the query back into canonical string form.
func (q *Query) Normalize() string {
	if q.MatchAll() {
		return "*"
	}
	parts := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		parts = append(parts, t.normalize())
	}
	return strings.Join(parts, " ")
}

func (t Term) normalize() string {
	var b strings.Builder
	if t.Negated {
		b.WriteByte('-')
	}
	if t.Field != "" {
		b.WriteString(t.Field)
		b.WriteByte(':')
		switch t.Op {
		case OpGt, OpGte, OpLt, OpLte, OpNe:
			b.WriteString(string(t.Op))
		case OpRegex:
			b.WriteByte('/')
			b.WriteString(t.Value)
			b.WriteByte('/')
			return b.String()
		}
	}
	if strings.ContainsAny(t.Value, " \t") {
		b.WriteByte('"')
		b.WriteString(t.Value)
		b.WriteByte('"')
	} else {
		b.WriteString(t.Value)
	}
	return b.String()
}

// tokenize splits on whitespace while honoring double quotes, which may
// appear mid-token (field:"some value").
func tokenize(input string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	for _, r := range input {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n') && !inQuote:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("parse query: unterminated quote")
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func parseTerm(tok string) (Term, error) {
	term := Term{Op: OpContains}

	if strings.HasPrefix(tok, "-") && len(tok) > 1 {
		term.Negated = true
		tok = tok[1:]
	}

	colon := strings.Index(tok, ":")
	if colon <= 0 {
		// Bare term. A leading colon is treated as part of the term.
		term.Value = unquote(tok)
		if term.Value == "" {
			return Term{}, fmt.Errorf("parse query: empty term")
		}
		return term, nil
	}

	term.Field = tok[:colon]
	value := tok[colon+1:]
	if value == "" {
		return Term{}, fmt.Errorf("parse query: field %q has no value", term.Field)
	}

	term.Op = OpEq
	switch {
	case strings.HasPrefix(value, ">="):
		term.Op, value = OpGte, value[2:]
	case strings.HasPrefix(value, "<="):
		term.Op, value = OpLte, value[2:]
	case strings.HasPrefix(value, "!="):
		term.Op, value = OpNe, value[2:]
	case strings.HasPrefix(value, ">"):
		term.Op, value = OpGt, value[1:]
	case strings.HasPrefix(value, "<"):
		term.Op, value = OpLt, value[1:]
	case len(value) > 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/"):
		term.Op, value = OpRegex, value[1:len(value)-1]
	}

	value = unquote(value)
	if value == "" {
		return Term{}, fmt.Errorf("parse query: field %q has no value", term.Field)
	}
	term.Value = value
	return term, nil
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
