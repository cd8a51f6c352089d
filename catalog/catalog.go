package catalog

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hugr-lab/mssql-extension-sub009/auth"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/pool"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// Catalog is the per-attachment state: effective settings, the pool
// handle and the metadata cache. Attach records settings and validates
// them; no connection is opened until first use.
type Catalog struct {
	name     string
	settings *Settings
	strategy auth.Strategy
	pool     *pool.Pool
	cache    *Cache
	logger   *log.CategoryLogger
}

// Attach creates an attachment from its options. Precedence: ATTACH
// options > connection-string > secret.
func Attach(name string, attachOpts map[string]string, connString string, secretOpts map[string]string, logger *log.Logger, reg prometheus.Registerer) (*Catalog, error) {
	if logger == nil {
		logger = log.Default()
	}

	settings, err := ParseSettings(attachOpts, connString, secretOpts)
	if err != nil {
		return nil, err
	}

	strategy, err := buildStrategy(settings)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		name:     name,
		settings: settings,
		strategy: strategy,
		cache:    NewCache(settings.CacheTTL, settings.SchemaFilter, settings.TableFilter, logger),
		logger: logger.ForCategory(log.CategorySystem).
			WithField("attachment", name),
	}
	c.pool = pool.New(name, settings.Info, strategy,
		settings.Pool, logger, pool.NewMetrics(reg, name))

	c.logger.Info("attached", map[string]interface{}{
		"host": settings.Info.Host, "database": settings.Info.Database,
	})
	return c, nil
}

// buildStrategy infers the authentication method: a manual token wins,
// then SQL credentials, then the service-principal environment.
func buildStrategy(s *Settings) (auth.Strategy, error) {
	if s.AccessToken != "" {
		// Manual tokens arrive without lifetime metadata; the server
		// rejects them once expired.
		return auth.NewManualToken(s.AccessToken, time.Time{}), nil
	}
	if s.User != "" {
		if s.Password == "" {
			return nil, errors.New(errors.ErrCodeAuthMissingCredentials,
				"user configured without a password").
				WithSuggestion("set the password option or use access_token")
		}
		return &auth.SQLAuth{User: s.User, Password: s.Password}, nil
	}
	return auth.ServicePrincipalFromEnv()
}

// Name returns the attachment name.
func (c *Catalog) Name() string { return c.name }

// Settings returns the effective settings.
func (c *Catalog) Settings() *Settings { return c.settings }

// Pool returns the attachment's connection pool.
func (c *Catalog) Pool() *pool.Pool { return c.pool }

// Cache returns the metadata cache.
func (c *Catalog) Cache() *Cache { return c.cache }

// Detach closes the pool and drops the cached metadata.
func (c *Catalog) Detach() {
	c.pool.Close()
	c.cache.mu.Lock()
	c.cache.schemas = make(map[string]*SchemaEntry)
	c.cache.schemasState = NotLoaded
	c.cache.mu.Unlock()
	c.logger.Info("detached", nil)
}

// Querier returns the metadata querier backed by the pool.
func (c *Catalog) Querier() Querier {
	return &poolQuerier{pool: c.pool}
}

// GetSchemaNames lists the filtered schemas.
func (c *Catalog) GetSchemaNames(ctx context.Context) ([]string, error) {
	return c.cache.GetSchemaNames(ctx, c.Querier())
}

// GetTableNames lists the filtered tables and views of a schema.
func (c *Catalog) GetTableNames(ctx context.Context, schema string) ([]string, error) {
	return c.cache.GetTableNames(ctx, c.Querier(), schema)
}

// GetTable returns a table or view with metadata loaded. Views expose
// the same scan operation as tables.
func (c *Catalog) GetTable(ctx context.Context, schema, name string) (*TableEntry, error) {
	return c.cache.GetTableMetadata(ctx, c.Querier(), schema, name)
}

// CheckWritable rejects writes against views; the host signals the
// error to the user.
func (c *Catalog) CheckWritable(entry *TableEntry) error {
	if entry.Kind == KindView {
		return errors.Newf(errors.ErrCodeConfigInvalidOption,
			"%s is a view and is read-only", entry.QualifiedName())
	}
	return nil
}

// poolQuerier runs metadata queries on pooled connections, draining
// each result fully.
type poolQuerier struct {
	pool *pool.Pool
}

// QueryRows implements Querier.
func (q *poolQuerier) QueryRows(ctx context.Context, sql string, params []tds.RPCParam) ([][]interface{}, error) {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer q.pool.Release(conn)

	tc, ok := conn.(*tds.Conn)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeProtoInvalidState,
			"pool returned a non-TDS connection")
	}

	var tr *tds.TokenReader
	if len(params) > 0 {
		tr, err = tc.ExecRPC(ctx, sql, params)
	} else {
		tr, err = tc.ExecBatch(ctx, sql)
	}
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	var pending error
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			tc.MarkIdle()
			return rows, pending
		}
		if err != nil {
			tc.Fail()
			return nil, errors.Wrap(err, errors.ErrCodeProtoMalformedToken, "reading metadata result")
		}

		switch v := tok.(type) {
		case *tds.RowToken:
			rows = append(rows, v.Values)
		case *tds.EnvChangeToken:
			tc.ApplyEnvChange(v)
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
