package querygen

import (
	"fmt"
	"strings"

	"github.com/hugr-lab/mssql-extension-sub009/catalog"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// OrderKey is one requested sort key.
type OrderKey struct {
	Expr       Expr
	Desc       bool
	NullsFirst bool
}

// ScanSpec carries everything needed to synthesize a remote SELECT.
type ScanSpec struct {
	Table *catalog.TableEntry

	// Projection holds the projected column ordinals. Empty means a
	// row-count scan (SELECT 1).
	Projection []int

	// Filters are the host's filter conjuncts; the generator decides
	// which push.
	Filters []Expr

	// Order is the requested sort; the longest safe prefix pushes when
	// order pushdown is enabled.
	Order []OrderKey

	// TopN emits SELECT TOP N when positive. Callers only set it when
	// the full ORDER BY pushed.
	TopN int64
}

// Generator synthesizes T-SQL for scan specs under the attachment's
// policies.
type Generator struct {
	// VarcharToNvarchar wraps VARCHAR/CHAR columns with non-UTF-8
	// collations in an NVARCHAR cast.
	VarcharToNvarchar bool

	// OrderPushdown gates ORDER BY / TOP-N pushdown.
	OrderPushdown bool
}

// Result is the generated query plus the pushdown outcome.
type Result struct {
	SQL string

	// Residual holds the filters the host must re-apply.
	Residual []Expr

	// PushedOrder is the prefix of the requested order that was pushed.
	PushedOrder []OrderKey

	// OrderFullyPushed reports whether every requested key pushed, the
	// precondition for TOP-N.
	OrderFullyPushed bool
}

// nvarcharCastLimit is the largest inline NVARCHAR length; longer casts
// use MAX.
const nvarcharCastLimit = 4000

// BuildSelect synthesizes the SELECT for a scan spec.
func (g *Generator) BuildSelect(spec ScanSpec) (*Result, error) {
	if spec.Table == nil {
		return nil, fmt.Errorf("scan spec has no table")
	}
	r := &renderer{table: spec.Table}
	res := &Result{}

	var sb strings.Builder
	sb.WriteString("SELECT ")

	pushedOrder, fullyPushed := g.PushableOrderPrefix(spec.Table, spec.Order)
	if !g.OrderPushdown {
		pushedOrder, fullyPushed = nil, false
	}
	res.PushedOrder = pushedOrder
	res.OrderFullyPushed = fullyPushed && len(spec.Order) > 0

	// TOP requires the whole requested order to run remotely, or a bare
	// Top node with no order at all.
	if spec.TopN > 0 && (len(spec.Order) == 0 || (g.OrderPushdown && res.OrderFullyPushed)) {
		fmt.Fprintf(&sb, "TOP %d ", spec.TopN)
	}

	projection, err := g.renderProjection(spec)
	if err != nil {
		return nil, err
	}
	sb.WriteString(projection)

	sb.WriteString(" FROM ")
	sb.WriteString(EscapeIdent(spec.Table.Schema))
	sb.WriteString(".")
	sb.WriteString(EscapeIdent(spec.Table.Name))

	// Filter pushdown: each conjunct pushes independently; whatever
	// cannot be rendered stays residual and the host re-applies it.
	var pushed []string
	for _, f := range spec.Filters {
		if sql, ok := r.render(f); ok {
			pushed = append(pushed, sql)
		} else {
			res.Residual = append(res.Residual, f)
		}
	}
	if len(pushed) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(pushed, " AND "))
	}

	if g.OrderPushdown && len(pushedOrder) > 0 {
		sb.WriteString(" ORDER BY ")
		keys := make([]string, len(pushedOrder))
		for i, key := range pushedOrder {
			sql, ok := r.render(key.Expr)
			if !ok {
				// PushableOrderPrefix only accepts renderable keys.
				return nil, fmt.Errorf("unrenderable order key %d", i)
			}
			dir := "ASC"
			if key.Desc {
				dir = "DESC"
			}
			keys[i] = sql + " " + dir
		}
		sb.WriteString(strings.Join(keys, ", "))
	}

	res.SQL = sb.String()
	return res, nil
}

// renderProjection emits the projected column list, applying the
// VARCHAR cast policy. An empty projection becomes SELECT 1.
func (g *Generator) renderProjection(spec ScanSpec) (string, error) {
	if len(spec.Projection) == 0 {
		return "1", nil
	}

	columns := spec.Table.Columns()
	parts := make([]string, len(spec.Projection))
	for i, ordinal := range spec.Projection {
		if ordinal < 0 || ordinal >= len(columns) {
			return "", fmt.Errorf("projection ordinal %d out of range for %s",
				ordinal, spec.Table.QualifiedName())
		}
		col := columns[ordinal]
		parts[i] = g.renderColumn(col)
	}
	return strings.Join(parts, ", "), nil
}

// renderColumn emits one projected column, wrapping VARCHAR/CHAR
// columns with non-UTF-8 collations in an NVARCHAR cast when the
// policy is active.
func (g *Generator) renderColumn(col catalog.ColumnInfo) string {
	ident := EscapeIdent(col.Name)
	if !g.VarcharToNvarchar || !isNonUnicodeChar(col) {
		return ident
	}

	length := "MAX"
	if col.MaxLength >= 0 {
		n := col.MaxLength
		if n > nvarcharCastLimit {
			n = nvarcharCastLimit
		}
		length = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("CAST(%s AS NVARCHAR(%s)) AS %s", ident, length, ident)
}

// isNonUnicodeChar reports whether a column holds single-byte
// character data under a non-UTF-8 collation.
func isNonUnicodeChar(col catalog.ColumnInfo) bool {
	switch strings.ToLower(col.SQLType) {
	case "varchar", "char":
		return !tds.CollationNameUTF8(col.Collation)
	default:
		return false
	}
}

// serverDefaultNullsFirst returns SQL Server's NULL placement for a
// sort direction: ascending sorts place NULLs last, descending sorts
// place them first.
func serverDefaultNullsFirst(desc bool) bool {
	return desc
}

// PushableOrderPrefix returns the longest prefix of the requested
// order that is safe to push: each key is a direct column reference or
// a mapped function of one, and the NULL placement either cannot
// matter (NOT NULL column) or matches the server default. The second
// return reports whether every key pushed.
func (g *Generator) PushableOrderPrefix(table *catalog.TableEntry, keys []OrderKey) ([]OrderKey, bool) {
	r := &renderer{table: table}
	prefix := make([]OrderKey, 0, len(keys))
	for _, key := range keys {
		if !g.orderKeyPushable(r, table, key) {
			return prefix, false
		}
		prefix = append(prefix, key)
	}
	return prefix, true
}

func (g *Generator) orderKeyPushable(r *renderer, table *catalog.TableEntry, key OrderKey) bool {
	var col catalog.ColumnInfo
	switch x := key.Expr.(type) {
	case ColumnRef:
		c, ok := table.Column(x.Name)
		if !ok {
			return false
		}
		col = c
	case FuncCall:
		// Only mapped functions over a single column reference.
		if _, ok := r.renderFunc(x); !ok {
			return false
		}
		var ref *ColumnRef
		for _, arg := range x.Args {
			if cr, ok := arg.(ColumnRef); ok {
				if ref != nil {
					return false
				}
				c := cr
				ref = &c
			}
		}
		if ref == nil {
			return false
		}
		c, ok := table.Column(ref.Name)
		if !ok {
			return false
		}
		// A function of a NOT NULL column is still nullable in
		// general; treat the function result as nullable unless the
		// input column is NOT NULL and the function never introduces
		// NULLs (all mapped ones are NULL-propagating).
		col = c
	default:
		return false
	}

	if !col.Nullable {
		return true
	}
	return key.NullsFirst == serverDefaultNullsFirst(key.Desc)
}
