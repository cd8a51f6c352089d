// Package querygen synthesizes T-SQL for remote scans: projection,
// filter, ORDER BY and TOP-N pushdown with identifier escaping and a
// collation-aware VARCHAR cast policy.
//
// Pushdown is safe by default: anything the generator cannot represent
// in T-SQL stays behind as a residual filter the host engine re-applies.
package querygen

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"github.com/hugr-lab/mssql-extension-sub009/catalog"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// Expr is a filter or sort-key expression handed over by the host
// engine's binder.
type Expr interface {
	isExpr()
}

// ColumnRef references a column of the scanned table by name.
type ColumnRef struct {
	Name string
}

// Literal is a constant value. Supported types follow the codec: nil,
// bool, int64, float64, string, []byte, decimal.Decimal, time.Time,
// civil.Date, civil.Time.
type Literal struct {
	Value interface{}
}

// CompareOp is a scalar comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CompareOp) sql() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	default:
		return ">="
	}
}

// Comparison applies a comparison operator to two expressions.
type Comparison struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

// IsNull tests for NULL (or NOT NULL when negated).
type IsNull struct {
	Input  Expr
	Negate bool
}

// LogicalOp is a boolean connective.
type LogicalOp int

const (
	OpAnd LogicalOp = iota
	OpOr
)

// Logical combines expressions with AND or OR.
type Logical struct {
	Op   LogicalOp
	Args []Expr
}

// Not negates an expression.
type Not struct {
	Input Expr
}

// Between tests Low <= Input <= High.
type Between struct {
	Input Expr
	Low   Expr
	High  Expr
}

// InList tests membership in a literal list.
type InList struct {
	Input Expr
	Items []Expr
}

// Like matches with % and _ wildcards. CaseInsensitive marks the
// host's ILIKE, which only pushes when the column collation is
// case-insensitive.
type Like struct {
	Input           Expr
	Pattern         Expr
	CaseInsensitive bool
}

// FuncCall applies one of the mapped simple functions.
type FuncCall struct {
	Name string
	Args []Expr
}

func (ColumnRef) isExpr()  {}
func (Literal) isExpr()    {}
func (Comparison) isExpr() {}
func (IsNull) isExpr()     {}
func (Logical) isExpr()    {}
func (Not) isExpr()        {}
func (Between) isExpr()    {}
func (InList) isExpr()     {}
func (Like) isExpr()       {}
func (FuncCall) isExpr()   {}

// maxInListItems is the largest IN list that pushes; longer lists stay
// residual.
const maxInListItems = 100

// funcTemplates maps host function names to T-SQL renderings. %s slots
// are the rendered arguments in order.
var funcTemplates = map[string]struct {
	argc     int
	template string
}{
	"year":      {1, "YEAR(%s)"},
	"month":     {1, "MONTH(%s)"},
	"day":       {1, "DAY(%s)"},
	"upper":     {1, "UPPER(%s)"},
	"lower":     {1, "LOWER(%s)"},
	"length":    {1, "LEN(%s)"},
	"trim":      {1, "TRIM(%s)"},
	"date_diff": {3, "DATEDIFF(%s, %s, %s)"},
}

// datePartNames are the date_diff part arguments accepted verbatim.
var datePartNames = map[string]bool{
	"year": true, "quarter": true, "month": true, "week": true,
	"day": true, "hour": true, "minute": true, "second": true,
	"millisecond": true, "microsecond": true,
}

// EscapeIdent escapes an identifier with brackets, doubling closing
// brackets.
func EscapeIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// RenderLiteral serializes a literal value honouring its type: numerics
// as digits, strings as N'…' with doubled quotes, binary as 0x…,
// date/time as ISO literals, NULL as NULL.
func RenderLiteral(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case int64:
		return fmt.Sprintf("%d", x), nil
	case int:
		return fmt.Sprintf("%d", x), nil
	case float64:
		return fmt.Sprintf("%g", x), nil
	case decimal.Decimal:
		return x.String(), nil
	case string:
		return "N'" + strings.ReplaceAll(x, "'", "''") + "'", nil
	case []byte:
		if len(x) == 0 {
			return "0x", nil
		}
		return fmt.Sprintf("0x%X", x), nil
	case civil.Date:
		return fmt.Sprintf("'%04d-%02d-%02d'", x.Year, x.Month, x.Day), nil
	case civil.Time:
		return fmt.Sprintf("'%02d:%02d:%02d.%07d'", x.Hour, x.Minute, x.Second, x.Nanosecond/100), nil
	case time.Time:
		return "'" + x.UTC().Format("2006-01-02T15:04:05.9999999") + "'", nil
	default:
		return "", fmt.Errorf("cannot render literal of type %T", v)
	}
}

// renderer renders expressions against one table's metadata.
type renderer struct {
	table *catalog.TableEntry
}

// render returns the T-SQL for an expression, or ok=false when the
// expression cannot be pushed.
func (r *renderer) render(e Expr) (string, bool) {
	switch x := e.(type) {
	case ColumnRef:
		if _, ok := r.table.Column(x.Name); !ok {
			return "", false
		}
		return EscapeIdent(x.Name), true

	case Literal:
		s, err := RenderLiteral(x.Value)
		if err != nil {
			return "", false
		}
		return s, true

	case Comparison:
		left, ok := r.render(x.Left)
		if !ok {
			return "", false
		}
		right, ok := r.render(x.Right)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("(%s %s %s)", left, x.Op.sql(), right), true

	case IsNull:
		input, ok := r.render(x.Input)
		if !ok {
			return "", false
		}
		if x.Negate {
			return fmt.Sprintf("(%s IS NOT NULL)", input), true
		}
		return fmt.Sprintf("(%s IS NULL)", input), true

	case Logical:
		if len(x.Args) == 0 {
			return "", false
		}
		parts := make([]string, len(x.Args))
		for i, arg := range x.Args {
			s, ok := r.render(arg)
			if !ok {
				return "", false
			}
			parts[i] = s
		}
		op := " AND "
		if x.Op == OpOr {
			op = " OR "
		}
		return "(" + strings.Join(parts, op) + ")", true

	case Not:
		input, ok := r.render(x.Input)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("(NOT %s)", input), true

	case Between:
		input, ok := r.render(x.Input)
		if !ok {
			return "", false
		}
		low, ok := r.render(x.Low)
		if !ok {
			return "", false
		}
		high, ok := r.render(x.High)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("(%s BETWEEN %s AND %s)", input, low, high), true

	case InList:
		if len(x.Items) == 0 || len(x.Items) > maxInListItems {
			return "", false
		}
		input, ok := r.render(x.Input)
		if !ok {
			return "", false
		}
		items := make([]string, len(x.Items))
		for i, item := range x.Items {
			s, ok := r.render(item)
			if !ok {
				return "", false
			}
			items[i] = s
		}
		return fmt.Sprintf("(%s IN (%s))", input, strings.Join(items, ", ")), true

	case Like:
		if x.CaseInsensitive && !r.caseInsensitiveColumn(x.Input) {
			// ILIKE against a case-sensitive collation cannot be
			// reproduced server-side; the host re-applies it.
			return "", false
		}
		input, ok := r.render(x.Input)
		if !ok {
			return "", false
		}
		pattern, ok := r.render(x.Pattern)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("(%s LIKE %s)", input, pattern), true

	case FuncCall:
		return r.renderFunc(x)

	default:
		return "", false
	}
}

func (r *renderer) renderFunc(f FuncCall) (string, bool) {
	tmpl, ok := funcTemplates[strings.ToLower(f.Name)]
	if !ok || len(f.Args) != tmpl.argc {
		return "", false
	}

	args := make([]interface{}, len(f.Args))
	for i, arg := range f.Args {
		// The first argument of date_diff is the part name, rendered
		// bare.
		if strings.EqualFold(f.Name, "date_diff") && i == 0 {
			lit, ok := arg.(Literal)
			if !ok {
				return "", false
			}
			part, ok := lit.Value.(string)
			if !ok || !datePartNames[strings.ToLower(part)] {
				return "", false
			}
			args[i] = strings.ToLower(part)
			continue
		}
		s, ok := r.render(arg)
		if !ok {
			return "", false
		}
		args[i] = s
	}

	return fmt.Sprintf(tmpl.template, args...), true
}

// caseInsensitiveColumn reports whether the expression is a column
// reference with a case-insensitive collation.
func (r *renderer) caseInsensitiveColumn(e Expr) bool {
	ref, ok := e.(ColumnRef)
	if !ok {
		return false
	}
	col, ok := r.table.Column(ref.Name)
	if !ok || col.Collation == "" {
		return false
	}
	return !tds.CollationNameCaseSensitive(col.Collation)
}
