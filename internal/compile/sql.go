package compile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/darkermemo/huntql/internal/rule"
)

// Literal and identifier rendering for the ClickHouse dialect. Every value
// that reaches query text goes through one of these; nothing else may
// concatenate user input into SQL.

// quoteIdent renders a column identifier. Identifiers are validated against
// the catalog before they get here, but backtick-quote defensively anyway.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

// stringLit renders a single-quoted string literal with backslash escaping.
func stringLit(v string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range v {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case 0:
			// NUL never appears in legitimate values.
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// numberLit renders a numeric literal, avoiding exponent notation drift
// between compiles of the same input.
func numberLit(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}

// timeLit renders a DateTime64(3) literal in UTC.
func timeLit(t time.Time) string {
	return fmt.Sprintf("toDateTime64('%s', 3, 'UTC')", t.UTC().Format("2006-01-02 15:04:05.000"))
}

// timeExprMillis is the millisecond epoch expression for the time column.
const timeExprMillis = "toUnixTimestamp64Milli(`time`)"

// keyList renders a comma-separated quoted identifier list.
func keyList(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = quoteIdent(f)
	}
	return strings.Join(parts, ", ")
}

// andJoin combines predicates with AND, parenthesizing each.
func andJoin(preds []string) string {
	if len(preds) == 0 {
		return "1"
	}
	if len(preds) == 1 {
		return preds[0]
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = "(" + p + ")"
	}
	return strings.Join(parts, " AND ")
}

// orJoin combines predicates with OR, parenthesizing each.
func orJoin(preds []string) string {
	if len(preds) == 0 {
		return "0"
	}
	if len(preds) == 1 {
		return preds[0]
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = "(" + p + ")"
	}
	return strings.Join(parts, " OR ")
}

// tenantPredicate renders the mandatory tenant scoping.
func tenantPredicate(tenantID string) string {
	return fmt.Sprintf("`tenant_id` = %s", stringLit(tenantID))
}

// scopePredicate renders the mandatory tenant and time scoping.
func scopePredicate(tenantID string, res rule.Resolved) string {
	return fmt.Sprintf("%s AND `time` >= %s AND `time` < %s",
		tenantPredicate(tenantID), timeLit(res.From), timeLit(res.To))
}

// fieldSet tracks fields referenced during compilation, reported sorted.
type fieldSet map[string]struct{}

func (fs fieldSet) add(name string) {
	fs[name] = struct{}{}
}

func (fs fieldSet) sorted() []string {
	out := make([]string, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
