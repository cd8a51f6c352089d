// Package catalog manages attachment state for SQL Server catalogs:
// effective settings, the connection pool handle, and a three-level
// lazy metadata cache (schemas, tables, columns) with per-level TTL and
// point invalidation.
package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// LoadState tracks lazy loading of one cache level.
type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
)

// TableKind distinguishes tables from views.
type TableKind int

const (
	KindTable TableKind = iota
	KindView
)

func (k TableKind) String() string {
	if k == KindView {
		return "VIEW"
	}
	return "TABLE"
}

// ColumnInfo describes one column as the host engine sees it.
type ColumnInfo struct {
	Ordinal    int
	Name       string
	SQLType    string
	Logical    tds.LogicalType
	Nullable   bool
	MaxLength  int // bytes; -1 for MAX types
	Precision  int
	Scale      int
	Collation  string // collation name, empty for non-character types
	IsIdentity bool
}

// TableEntry is a cached table or view. Tables hold their schema name
// as a string; schemas own tables by name, so there are no cyclic
// references.
type TableEntry struct {
	Schema string
	Name   string
	Kind   TableKind

	mu             sync.Mutex
	columnsState   LoadState
	columnsRefresh time.Time
	columns        []ColumnInfo
	pkColumns      []string
	rowCount       int64 // estimate from sys.partitions; -1 when unknown
}

// NewTableEntry builds a table entry with metadata already loaded,
// bypassing the lazy load. Used by tests and snapshot rebinding.
func NewTableEntry(schema, name string, kind TableKind, columns []ColumnInfo) *TableEntry {
	return &TableEntry{
		Schema:         schema,
		Name:           name,
		Kind:           kind,
		columns:        columns,
		columnsState:   Loaded,
		columnsRefresh: time.Now(),
		rowCount:       -1,
	}
}

// QualifiedName returns the schema-qualified name.
func (t *TableEntry) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Columns returns the cached column list. Valid after a metadata load.
func (t *TableEntry) Columns() []ColumnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.columns
}

// PrimaryKey returns the primary key column names, possibly empty.
func (t *TableEntry) PrimaryKey() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pkColumns
}

// RowCountEstimate returns the cached row count estimate, -1 when
// unknown.
func (t *TableEntry) RowCountEstimate() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowCount
}

// Column returns a column by name, case-sensitively.
func (t *TableEntry) Column(name string) (ColumnInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// SchemaEntry is a cached schema with its table map.
type SchemaEntry struct {
	Name string

	mu            sync.Mutex
	tablesState   LoadState
	tablesRefresh time.Time
	tables        map[string]*TableEntry
}

// Querier runs a metadata query and returns its rows fully drained.
// The catalog implements it over a pooled connection; tests fake it.
type Querier interface {
	QueryRows(ctx context.Context, sql string, params []tds.RPCParam) ([][]interface{}, error)
}

// Cache is the three-level metadata cache. A mutex guards the schema
// map; each schema and table entry carries its own mutex so parallel
// loads do not contend.
type Cache struct {
	ttl          time.Duration // 0 disables TTL
	schemaFilter *regexp.Regexp
	tableFilter  *regexp.Regexp

	mu             sync.Mutex
	schemasState   LoadState
	schemasRefresh time.Time
	schemas        map[string]*SchemaEntry

	logger *log.CategoryLogger
}

// NewCache creates a cache with the given TTL and pre-cache filters.
func NewCache(ttl time.Duration, schemaFilter, tableFilter *regexp.Regexp, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		ttl:          ttl,
		schemaFilter: schemaFilter,
		tableFilter:  tableFilter,
		schemas:      make(map[string]*SchemaEntry),
		logger:       logger.ForCategory(log.CategoryCatalog),
	}
}

// stale reports whether a Loaded level needs a TTL-driven reload.
func (c *Cache) stale(state LoadState, refresh time.Time) bool {
	if state != Loaded {
		return true
	}
	return c.ttl > 0 && time.Since(refresh) > c.ttl
}

// matchFilter applies a case-insensitive partial-match regex.
func matchFilter(re *regexp.Regexp, name string) bool {
	if re == nil {
		return true
	}
	return re.MatchString(name)
}

// GetSchemaNames returns the filtered schema names, loading them on
// first access or TTL expiry.
func (c *Cache) GetSchemaNames(ctx context.Context, q Querier) ([]string, error) {
	c.mu.Lock()
	if !c.stale(c.schemasState, c.schemasRefresh) {
		names := schemaNamesLocked(c.schemas)
		c.mu.Unlock()
		return names, nil
	}
	c.schemasState = Loading
	c.mu.Unlock()

	rows, err := q.QueryRows(ctx, querySchemas, nil)
	if err != nil {
		c.mu.Lock()
		if c.schemasState == Loading {
			c.schemasState = NotLoaded
		}
		c.mu.Unlock()
		return nil, err
	}

	loaded := make(map[string]*SchemaEntry)
	for _, row := range rows {
		name, ok := rowString(row, 0)
		if !ok || !matchFilter(c.schemaFilter, name) {
			continue
		}
		loaded[name] = &SchemaEntry{Name: name, tables: make(map[string]*TableEntry)}
	}

	c.mu.Lock()
	// Keep already-loaded table data for schemas that survive the
	// reload; stale reads remain available until their own refresh.
	for name, old := range c.schemas {
		if _, ok := loaded[name]; ok {
			loaded[name] = old
		}
	}
	c.schemas = loaded
	c.schemasState = Loaded
	c.schemasRefresh = time.Now()
	names := schemaNamesLocked(c.schemas)
	c.mu.Unlock()

	c.logger.Debug("schemas loaded", map[string]interface{}{"count": len(names)})
	return names, nil
}

func schemaNamesLocked(schemas map[string]*SchemaEntry) []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// schema returns the entry for a schema, ensuring schemas are loaded.
func (c *Cache) schema(ctx context.Context, q Querier, name string) (*SchemaEntry, error) {
	if _, err := c.GetSchemaNames(ctx, q); err != nil {
		return nil, err
	}
	c.mu.Lock()
	entry, ok := c.schemas[name]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeConfigUnknownAttach,
			"schema %q does not exist or is excluded by schema_filter", name)
	}
	return entry, nil
}

// GetTableNames returns the filtered table names of a schema.
func (c *Cache) GetTableNames(ctx context.Context, q Querier, schema string) ([]string, error) {
	entry, err := c.schema(ctx, q, schema)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !c.stale(entry.tablesState, entry.tablesRefresh) {
		return tableNamesLocked(entry), nil
	}
	entry.tablesState = Loading

	rows, err := q.QueryRows(ctx, queryTables, []tds.RPCParam{{Name: "@schema", Value: schema}})
	if err != nil {
		entry.tablesState = NotLoaded
		return nil, err
	}

	loaded := make(map[string]*TableEntry)
	for _, row := range rows {
		name, ok := rowString(row, 0)
		if !ok || !matchFilter(c.tableFilter, name) {
			continue
		}
		kindStr, _ := rowString(row, 1)
		kind := KindTable
		if strings.TrimSpace(kindStr) == "V" {
			kind = KindView
		}
		loaded[name] = &TableEntry{Schema: schema, Name: name, Kind: kind, rowCount: -1}
	}

	// Preserve column data already loaded for surviving tables.
	for name, old := range entry.tables {
		if _, ok := loaded[name]; ok {
			loaded[name] = old
		}
	}
	entry.tables = loaded
	entry.tablesState = Loaded
	entry.tablesRefresh = time.Now()

	return tableNamesLocked(entry), nil
}

func tableNamesLocked(entry *SchemaEntry) []string {
	names := make([]string, 0, len(entry.tables))
	for name := range entry.tables {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// GetTableMetadata returns a table with its columns and primary key
// loaded.
func (c *Cache) GetTableMetadata(ctx context.Context, q Querier, schema, table string) (*TableEntry, error) {
	if _, err := c.GetTableNames(ctx, q, schema); err != nil {
		return nil, err
	}

	c.mu.Lock()
	se := c.schemas[schema]
	c.mu.Unlock()
	se.mu.Lock()
	entry, ok := se.tables[table]
	se.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeConfigUnknownAttach,
			"table %q does not exist in schema %q or is excluded by table_filter", table, schema)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !c.stale(entry.columnsState, entry.columnsRefresh) {
		return entry, nil
	}
	entry.columnsState = Loading

	if err := c.loadColumns(ctx, q, entry); err != nil {
		entry.columnsState = NotLoaded
		return nil, err
	}
	entry.columnsState = Loaded
	entry.columnsRefresh = time.Now()
	return entry, nil
}

// loadColumns fills columns and the primary key. Caller holds the
// entry mutex.
func (c *Cache) loadColumns(ctx context.Context, q Querier, entry *TableEntry) error {
	params := []tds.RPCParam{
		{Name: "@schema", Value: entry.Schema},
		{Name: "@table", Value: entry.Name},
	}

	rows, err := q.QueryRows(ctx, queryColumns, params)
	if err != nil {
		return err
	}
	columns := make([]ColumnInfo, 0, len(rows))
	for i, row := range rows {
		col, err := columnFromRow(i, row)
		if err != nil {
			return err
		}
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		return errors.Newf(errors.ErrCodeConfigUnknownAttach,
			"table %s has no visible columns", entry.QualifiedName())
	}

	pkRows, err := q.QueryRows(ctx, queryPrimaryKey, params)
	if err != nil {
		return err
	}
	pk := make([]string, 0, len(pkRows))
	for _, row := range pkRows {
		if name, ok := rowString(row, 0); ok {
			pk = append(pk, name)
		}
	}

	entry.columns = columns
	entry.pkColumns = pk
	return nil
}

// InvalidateSchema marks one schema's table list for reload. Data
// stays readable until the next access refreshes it.
func (c *Cache) InvalidateSchema(schema string) {
	c.mu.Lock()
	entry, ok := c.schemas[schema]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.tablesState = NotLoaded
	entry.mu.Unlock()
}

// InvalidateTable marks one table's column metadata for reload.
func (c *Cache) InvalidateTable(schema, table string) {
	c.mu.Lock()
	se, ok := c.schemas[schema]
	c.mu.Unlock()
	if !ok {
		return
	}
	se.mu.Lock()
	entry, ok := se.tables[table]
	se.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.columnsState = NotLoaded
	entry.mu.Unlock()
}

// InvalidateAll marks every level for reload without clearing data.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.schemasState = NotLoaded
	schemas := make([]*SchemaEntry, 0, len(c.schemas))
	for _, se := range c.schemas {
		schemas = append(schemas, se)
	}
	c.mu.Unlock()

	for _, se := range schemas {
		se.mu.Lock()
		se.tablesState = NotLoaded
		tables := make([]*TableEntry, 0, len(se.tables))
		for _, t := range se.tables {
			tables = append(tables, t)
		}
		se.mu.Unlock()
		for _, t := range tables {
			t.mu.Lock()
			t.columnsState = NotLoaded
			t.mu.Unlock()
		}
	}
}

// Preload populates all three levels in one round trip. When schema is
// non-empty only that schema is loaded. Returns counts for the
// operation summary.
func (c *Cache) Preload(ctx context.Context, q Querier, schema string) (schemas, tables, columns int, err error) {
	sql := queryPreload
	var params []tds.RPCParam
	if schema != "" {
		sql = queryPreloadSchema
		params = []tds.RPCParam{{Name: "@schema", Value: schema}}
	}

	rows, err := q.QueryRows(ctx, sql, params)
	if err != nil {
		return 0, 0, 0, err
	}

	type tableKey struct{ schema, table string }
	loaded := make(map[string]*SchemaEntry)
	tableCols := make(map[tableKey][]ColumnInfo)
	tablePKs := make(map[tableKey][]string)
	entries := make(map[tableKey]*TableEntry)

	for _, row := range rows {
		schemaName, ok := rowString(row, 0)
		if !ok || !matchFilter(c.schemaFilter, schemaName) {
			continue
		}
		se, ok := loaded[schemaName]
		if !ok {
			se = &SchemaEntry{Name: schemaName, tables: make(map[string]*TableEntry)}
			loaded[schemaName] = se
		}

		tableName, ok := rowString(row, 1)
		if !ok || !matchFilter(c.tableFilter, tableName) {
			continue
		}
		key := tableKey{schemaName, tableName}
		entry, ok := entries[key]
		if !ok {
			kindStr, _ := rowString(row, 2)
			kind := KindTable
			if strings.TrimSpace(kindStr) == "V" {
				kind = KindView
			}
			entry = &TableEntry{Schema: schemaName, Name: tableName, Kind: kind, rowCount: -1}
			if n, ok := rowInt(row, 12); ok {
				entry.rowCount = n
			}
			entries[key] = entry
			se.tables[tableName] = entry
		}

		col, err := columnFromRow(len(tableCols[key]), row[3:])
		if err != nil {
			return 0, 0, 0, err
		}
		tableCols[key] = append(tableCols[key], col)
		if rowBool(row, 11) {
			tablePKs[key] = append(tablePKs[key], col.Name)
		}
	}

	now := time.Now()
	columnCount := 0
	for key, entry := range entries {
		entry.columns = tableCols[key]
		entry.pkColumns = tablePKs[key]
		entry.columnsState = Loaded
		entry.columnsRefresh = now
		columnCount += len(entry.columns)
	}
	for _, se := range loaded {
		se.tablesState = Loaded
		se.tablesRefresh = now
	}

	c.mu.Lock()
	if schema == "" {
		c.schemas = loaded
		c.schemasState = Loaded
		c.schemasRefresh = now
	} else {
		if c.schemas == nil {
			c.schemas = make(map[string]*SchemaEntry)
		}
		for name, se := range loaded {
			c.schemas[name] = se
		}
	}
	c.mu.Unlock()

	return len(loaded), len(entries), columnCount, nil
}

// columnFromRow maps a metadata row (name, type, max_length, precision,
// scale, nullable, identity, collation) to a ColumnInfo.
func columnFromRow(ordinal int, row []interface{}) (ColumnInfo, error) {
	name, ok := rowString(row, 0)
	if !ok {
		return ColumnInfo{}, fmt.Errorf("column metadata row missing name")
	}
	typeName, _ := rowString(row, 1)
	maxLength, _ := rowInt(row, 2)
	precision, _ := rowInt(row, 3)
	scale, _ := rowInt(row, 4)
	nullable := rowBool(row, 5)
	identity := rowBool(row, 6)
	collation, _ := rowString(row, 7)

	return ColumnInfo{
		Ordinal:    ordinal,
		Name:       name,
		SQLType:    typeName,
		Logical:    logicalForTypeName(typeName),
		Nullable:   nullable,
		MaxLength:  int(maxLength),
		Precision:  int(precision),
		Scale:      int(scale),
		Collation:  collation,
		IsIdentity: identity,
	}, nil
}

// logicalForTypeName maps a sys.types name to the host type system.
func logicalForTypeName(name string) tds.LogicalType {
	switch strings.ToLower(name) {
	case "bit":
		return tds.LogicalBool
	case "tinyint":
		return tds.LogicalInt8
	case "smallint":
		return tds.LogicalInt16
	case "int":
		return tds.LogicalInt32
	case "bigint":
		return tds.LogicalInt64
	case "real":
		return tds.LogicalFloat32
	case "float":
		return tds.LogicalFloat64
	case "decimal", "numeric", "money", "smallmoney":
		return tds.LogicalDecimal
	case "date":
		return tds.LogicalDate
	case "time":
		return tds.LogicalTime
	case "datetime", "datetime2", "smalldatetime":
		return tds.LogicalTimestamp
	case "datetimeoffset":
		return tds.LogicalTimestampTZ
	case "uniqueidentifier":
		return tds.LogicalUUID
	case "binary", "varbinary", "image", "timestamp", "rowversion":
		return tds.LogicalBinary
	default:
		return tds.LogicalString
	}
}

// Row value helpers tolerating the codec's integer widths.

func rowString(row []interface{}, idx int) (string, bool) {
	if idx >= len(row) {
		return "", false
	}
	s, ok := row[idx].(string)
	return s, ok
}

func rowInt(row []interface{}, idx int) (int64, bool) {
	if idx >= len(row) {
		return 0, false
	}
	switch v := row[idx].(type) {
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func rowBool(row []interface{}, idx int) bool {
	if idx >= len(row) {
		return false
	}
	switch v := row[idx].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	default:
		return false
	}
}

func sortStrings(s []string) {
	sort.Strings(s)
}
