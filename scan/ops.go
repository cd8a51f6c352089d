package scan

import (
	"context"
	"fmt"
	"io"

	"github.com/hugr-lab/mssql-extension-sub009/catalog"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/querygen"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// Operations are the host-facing entry points of one attachment: scan
// binding and production, SQL passthrough, and catalog maintenance.
type Operations struct {
	Catalog  *catalog.Catalog
	Registry *StreamRegistry

	logger *log.Logger
}

// NewOperations wires the operations for an attachment.
func NewOperations(cat *catalog.Catalog, logger *log.Logger) *Operations {
	if logger == nil {
		logger = log.Default()
	}
	return &Operations{
		Catalog:  cat,
		Registry: NewStreamRegistry(),
		logger:   logger,
	}
}

// generator builds the query generator from the attachment settings.
func (o *Operations) generator() *querygen.Generator {
	s := o.Catalog.Settings()
	return &querygen.Generator{
		VarcharToNvarchar: s.VarcharToNvarchar,
		OrderPushdown:     s.OrderPushdown,
	}
}

// Bind resolves the table and snapshots its metadata into a ScanPlan.
// The optimizer callback later fills order and TOP-N.
func (o *Operations) Bind(ctx context.Context, schema, table string, projection []int, filters []querygen.Expr) (*ScanPlan, error) {
	entry, err := o.Catalog.GetTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	columns := entry.Columns()
	for _, ordinal := range projection {
		if ordinal < 0 || ordinal >= len(columns) {
			return nil, errors.Newf(errors.ErrCodeConfigInvalidOption,
				"projection ordinal %d out of range for %s", ordinal, entry.QualifiedName())
		}
	}

	snapshot := make([]catalog.ColumnInfo, len(columns))
	copy(snapshot, columns)

	return &ScanPlan{
		Table:      entry,
		Columns:    snapshot,
		Projection: projection,
		Filters:    filters,
	}, nil
}

// Generate synthesizes the SELECT for a plan and records the residual
// filters on it.
func (o *Operations) Generate(plan *ScanPlan) (*querygen.Result, error) {
	res, err := o.generator().BuildSelect(querygen.ScanSpec{
		Table:      plan.Table,
		Projection: plan.Projection,
		Filters:    plan.Filters,
		Order:      plan.Order,
		TopN:       plan.TopN,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProtoUnsupported, "generating scan query")
	}
	plan.Residual = res.Residual
	return res, nil
}

// Produce opens the result stream for a plan, reusing a bind-time
// pre-executed stream when the plan carries one.
func (o *Operations) Produce(ctx context.Context, plan *ScanPlan, batchSize int) (*ResultStream, error) {
	if plan.StreamHandle != 0 {
		if s, ok := o.Registry.Take(plan.StreamHandle); ok {
			return s, nil
		}
		// Single-use: a second production re-executes.
	}

	res, err := o.Generate(plan)
	if err != nil {
		return nil, err
	}
	return Open(ctx, o.Catalog.Pool(), res.SQL, plan.BoundColumns(), batchSize, o.logger)
}

// Exec runs a SQL batch and returns the affected row count.
func (o *Operations) Exec(ctx context.Context, sql string) (int64, error) {
	pc, err := o.Catalog.Pool().Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer o.Catalog.Pool().Release(pc)

	conn, ok := pc.(*tds.Conn)
	if !ok {
		return 0, errors.New(errors.ErrCodeProtoInvalidState, "pool returned a non-TDS connection")
	}

	tr, err := conn.ExecBatch(ctx, sql)
	if err != nil {
		return 0, err
	}

	var affected int64
	var pending error
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			conn.MarkIdle()
			return affected, pending
		}
		if err != nil {
			conn.Fail()
			return 0, errors.Wrap(err, errors.ErrCodeProtoMalformedToken, "reading exec response")
		}

		switch v := tok.(type) {
		case *tds.DoneToken:
			if v.Status&tds.DoneCount != 0 {
				affected += int64(v.RowCount)
			}
		case *tds.EnvChangeToken:
			conn.ApplyEnvChange(v)
		case *tds.SQLMessageToken:
			if v.IsError {
				pending = &errors.RemoteError{
					Number: v.Number, State: v.State, Class: v.Class,
					Message: v.Message, Server: v.Server, Proc: v.Proc, Line: v.Line,
				}
			}
		}
	}
}

// Query runs an arbitrary SELECT and returns its stream with inferred
// schema (no bind-time check).
func (o *Operations) Query(ctx context.Context, sql string) (*ResultStream, error) {
	return Open(ctx, o.Catalog.Pool(), sql, nil, DefaultBatchSize, o.logger)
}

// PreloadCatalog bulk-loads the metadata cache and returns a textual
// summary. With a schema argument only that schema loads.
func (o *Operations) PreloadCatalog(ctx context.Context, schema string) (string, error) {
	schemas, tables, columns, err := o.Catalog.Cache().Preload(ctx, o.Catalog.Querier(), schema)
	if err != nil {
		return "", err
	}
	scope := "catalog"
	if schema != "" {
		scope = "schema " + schema
	}
	return fmt.Sprintf("preloaded %s of %s: %d schemas, %d tables, %d columns",
		scope, o.Catalog.Name(), schemas, tables, columns), nil
}

// RefreshCatalog invalidates everything and reloads the schema level.
func (o *Operations) RefreshCatalog(ctx context.Context) error {
	o.Catalog.Cache().InvalidateAll()
	_, err := o.Catalog.GetSchemaNames(ctx)
	return err
}
