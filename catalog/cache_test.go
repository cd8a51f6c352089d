package catalog

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// fakeQuerier serves canned metadata and counts queries by kind.
type fakeQuerier struct {
	schemas [][]interface{}
	tables  map[string][][]interface{}
	columns map[string][][]interface{}
	pks     map[string][][]interface{}

	schemaLoads int
	tableLoads  int
	columnLoads int
}

func (q *fakeQuerier) QueryRows(ctx context.Context, sql string, params []tds.RPCParam) ([][]interface{}, error) {
	switch {
	case strings.Contains(sql, "sys.key_constraints"):
		key := params[0].Value.(string) + "." + params[1].Value.(string)
		return q.pks[key], nil
	case strings.Contains(sql, "sys.columns c"):
		q.columnLoads++
		key := params[0].Value.(string) + "." + params[1].Value.(string)
		return q.columns[key], nil
	case strings.Contains(sql, "sys.objects o"):
		q.tableLoads++
		schema := params[0].Value.(string)
		return q.tables[schema], nil
	case strings.Contains(sql, "sys.schemas"):
		q.schemaLoads++
		return q.schemas, nil
	default:
		return nil, nil
	}
}

func newFakeQuerier() *fakeQuerier {
	col := func(name, typ string, nullable bool) []interface{} {
		return []interface{}{name, typ, int64(4), int64(10), int64(0), nullable, false, ""}
	}
	return &fakeQuerier{
		schemas: [][]interface{}{{"dbo"}, {"sales"}, {"sys_internal"}},
		tables: map[string][][]interface{}{
			"dbo":   {{"t", "U"}, {"v", "V"}, {"audit_log", "U"}},
			"sales": {{"orders", "U"}},
		},
		columns: map[string][][]interface{}{
			"dbo.t":        {col("id", "int", false), col("name", "nvarchar", true)},
			"dbo.v":        {col("id", "int", false)},
			"dbo.audit_log": {col("id", "int", false)},
			"sales.orders": {col("order_id", "bigint", false)},
		},
		pks: map[string][][]interface{}{
			"dbo.t": {{"id"}},
		},
	}
}

func TestCacheLazyLoad(t *testing.T) {
	q := newFakeQuerier()
	c := NewCache(0, nil, nil, log.Nop())
	ctx := context.Background()

	schemas, err := c.GetSchemaNames(ctx, q)
	if err != nil {
		t.Fatalf("GetSchemaNames: %v", err)
	}
	if len(schemas) != 3 {
		t.Fatalf("schemas = %v", schemas)
	}

	tables, err := c.GetTableNames(ctx, q, "dbo")
	if err != nil {
		t.Fatalf("GetTableNames: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("tables = %v", tables)
	}

	entry, err := c.GetTableMetadata(ctx, q, "dbo", "t")
	if err != nil {
		t.Fatalf("GetTableMetadata: %v", err)
	}
	cols := entry.Columns()
	if len(cols) != 2 || cols[0].Name != "id" || cols[1].Name != "name" {
		t.Fatalf("columns = %+v", cols)
	}
	if cols[0].Ordinal != 0 || cols[1].Ordinal != 1 {
		t.Error("ordinals not dense")
	}
	if pk := entry.PrimaryKey(); len(pk) != 1 || pk[0] != "id" {
		t.Errorf("pk = %v", pk)
	}
	if entry.Kind != KindTable {
		t.Errorf("kind = %v", entry.Kind)
	}

	// With TTL disabled, repeated reads hit the cache.
	if _, err := c.GetSchemaNames(ctx, q); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetTableMetadata(ctx, q, "dbo", "t"); err != nil {
		t.Fatal(err)
	}
	if q.schemaLoads != 1 || q.tableLoads != 1 || q.columnLoads != 1 {
		t.Errorf("loads = %d/%d/%d, want 1/1/1", q.schemaLoads, q.tableLoads, q.columnLoads)
	}
}

func TestCacheViewKind(t *testing.T) {
	q := newFakeQuerier()
	c := NewCache(0, nil, nil, log.Nop())

	entry, err := c.GetTableMetadata(context.Background(), q, "dbo", "v")
	if err != nil {
		t.Fatalf("GetTableMetadata: %v", err)
	}
	if entry.Kind != KindView {
		t.Errorf("kind = %v, want view", entry.Kind)
	}
}

func TestCachePointInvalidation(t *testing.T) {
	q := newFakeQuerier()
	c := NewCache(0, nil, nil, log.Nop())
	ctx := context.Background()

	// Load everything for dbo.t and another table.
	if _, err := c.GetTableMetadata(ctx, q, "dbo", "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetTableMetadata(ctx, q, "dbo", "audit_log"); err != nil {
		t.Fatal(err)
	}
	schemaLoads, tableLoads, columnLoads := q.schemaLoads, q.tableLoads, q.columnLoads

	c.InvalidateTable("dbo", "t")

	// The invalidated table reloads its columns exactly once; schemas
	// and other tables stay cached.
	if _, err := c.GetTableMetadata(ctx, q, "dbo", "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetTableMetadata(ctx, q, "dbo", "audit_log"); err != nil {
		t.Fatal(err)
	}

	if q.columnLoads != columnLoads+1 {
		t.Errorf("column loads = %d, want %d", q.columnLoads, columnLoads+1)
	}
	if q.schemaLoads != schemaLoads {
		t.Errorf("schema loads changed: %d -> %d", schemaLoads, q.schemaLoads)
	}
	if q.tableLoads != tableLoads {
		t.Errorf("table loads changed: %d -> %d", tableLoads, q.tableLoads)
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	q := newFakeQuerier()
	c := NewCache(0, nil, nil, log.Nop())
	ctx := context.Background()

	if _, err := c.GetTableMetadata(ctx, q, "dbo", "t"); err != nil {
		t.Fatal(err)
	}
	c.InvalidateAll()

	if _, err := c.GetTableMetadata(ctx, q, "dbo", "t"); err != nil {
		t.Fatal(err)
	}
	if q.schemaLoads != 2 || q.tableLoads != 2 || q.columnLoads != 2 {
		t.Errorf("loads = %d/%d/%d, want 2/2/2", q.schemaLoads, q.tableLoads, q.columnLoads)
	}
}

func TestCacheTTLReload(t *testing.T) {
	q := newFakeQuerier()
	c := NewCache(10*time.Millisecond, nil, nil, log.Nop())
	ctx := context.Background()

	if _, err := c.GetSchemaNames(ctx, q); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.GetSchemaNames(ctx, q); err != nil {
		t.Fatal(err)
	}
	if q.schemaLoads != 2 {
		t.Errorf("schema loads = %d, want 2 after TTL expiry", q.schemaLoads)
	}
}

func TestCacheFilters(t *testing.T) {
	q := newFakeQuerier()
	schemaFilter := regexp.MustCompile("(?i)^(dbo|sales)$")
	tableFilter := regexp.MustCompile("(?i)^(t|orders)$")
	c := NewCache(0, schemaFilter, tableFilter, log.Nop())
	ctx := context.Background()

	schemas, err := c.GetSchemaNames(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(schemas) != 2 {
		t.Errorf("schemas = %v, want dbo and sales only", schemas)
	}

	tables, err := c.GetTableNames(ctx, q, "dbo")
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0] != "t" {
		t.Errorf("tables = %v, want [t]", tables)
	}

	// Filtered-out schema is not visible.
	if _, err := c.GetTableNames(ctx, q, "sys_internal"); err == nil {
		t.Error("filtered schema still resolvable")
	}
}

func TestCachePreload(t *testing.T) {
	row := func(schema, table, kind, col, typ string, pk bool, rows int64) []interface{} {
		return []interface{}{schema, table, kind, col, typ,
			int64(4), int64(10), int64(0), false, false, "", pk, rows}
	}
	preload := [][]interface{}{
		row("dbo", "t", "U", "id", "int", true, 100),
		row("dbo", "t", "U", "name", "nvarchar", false, 100),
		row("sales", "orders", "U", "order_id", "bigint", false, 5000),
	}

	c := NewCache(0, nil, nil, log.Nop())
	pq := &preloadQuerier{rows: preload}

	schemas, tables, columns, err := c.Preload(context.Background(), pq, "")
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if schemas != 2 || tables != 2 || columns != 3 {
		t.Errorf("counts = %d/%d/%d, want 2/2/3", schemas, tables, columns)
	}

	// Everything is Loaded: no further queries needed.
	entry, err := c.GetTableMetadata(context.Background(), pq, "dbo", "t")
	if err != nil {
		t.Fatalf("GetTableMetadata: %v", err)
	}
	if pq.calls != 1 {
		t.Errorf("querier calls = %d, want 1 (the preload)", pq.calls)
	}
	if pk := entry.PrimaryKey(); len(pk) != 1 || pk[0] != "id" {
		t.Errorf("pk = %v", pk)
	}
	if entry.RowCountEstimate() != 100 {
		t.Errorf("row count = %d, want 100", entry.RowCountEstimate())
	}
}

// preloadQuerier returns the same preload rows for every query and
// counts calls.
type preloadQuerier struct {
	rows  [][]interface{}
	calls int
}

func (q *preloadQuerier) QueryRows(ctx context.Context, sql string, params []tds.RPCParam) ([][]interface{}, error) {
	q.calls++
	return q.rows, nil
}
