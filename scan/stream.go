// Package scan produces rows for bound table scans: result streaming
// with back-pressured batches, attention-based cancellation, the
// ScanPlan bind artifact with its stream registry, host-facing
// operations, and the pushdown plan rewriter.
package scan

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/hugr-lab/mssql-extension-sub009/catalog"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/pool"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// DefaultBatchSize is the engine chunk size a batch fills before
// yielding control.
const DefaultBatchSize = 2048

// Batch is a column-oriented chunk of decoded rows.
type Batch struct {
	// Columns holds one value slice per projected column; all slices
	// share the same length.
	Columns [][]interface{}
	NumRows int
}

// ResultStream pulls rows from one in-flight query. A stream is
// single-threaded: exactly one worker drains it. Rows are never fully
// materialized; each NextBatch fills at most one engine-sized chunk.
type ResultStream struct {
	conn *tds.Conn
	pool *pool.Pool
	tr   *tds.TokenReader

	columns   []tds.Column
	batchSize int

	// pending holds a server error raised when the stream is pulled
	// past the current row set or at end.
	pending  error
	finished bool
	released bool

	cancelled atomic.Bool

	logger *log.CategoryLogger
}

// Open sends the query and reads ahead to COLMETADATA. When bind is
// non-nil the wire metadata is checked against the bind-time snapshot;
// a mismatch is a protocol error because the scan bound a schema that
// no longer matches.
func Open(ctx context.Context, p *pool.Pool, sql string, bind []catalog.ColumnInfo, batchSize int, logger *log.Logger) (*ResultStream, error) {
	if logger == nil {
		logger = log.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*tds.Conn)
	if !ok {
		p.Release(pc)
		return nil, errors.New(errors.ErrCodeProtoInvalidState, "pool returned a non-TDS connection")
	}

	s := &ResultStream{
		conn:      conn,
		pool:      p,
		batchSize: batchSize,
		logger: logger.ForCategory(log.CategoryQuery).
			WithField("conn", conn.ID()),
	}

	s.logger.Debug("executing scan", map[string]interface{}{"sql": sql})

	tr, err := conn.ExecBatch(ctx, sql)
	if err != nil {
		s.release(false)
		return nil, err
	}
	s.tr = tr

	if err := s.readToMetadata(bind); err != nil {
		s.fail()
		return nil, err
	}
	return s, nil
}

// Columns returns the wire column metadata of the result set.
func (s *ResultStream) Columns() []tds.Column {
	return s.columns
}

// readToMetadata consumes tokens until COLMETADATA, handling session
// state and capturing early errors.
func (s *ResultStream) readToMetadata(bind []catalog.ColumnInfo) error {
	for {
		tok, err := s.tr.Next()
		if err == io.EOF {
			// A result-less response (severe error before metadata).
			s.finished = true
			s.release(true)
			if s.pending != nil {
				return s.pending
			}
			return errors.New(errors.ErrCodeProtoMalformedToken,
				"response ended before column metadata")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeProtoMalformedToken, "reading result stream")
		}

		switch v := tok.(type) {
		case *tds.ColMetadataToken:
			s.columns = v.Columns
			if bind != nil {
				if err := checkBoundMetadata(bind, v.Columns); err != nil {
					return err
				}
			}
			return nil
		case *tds.EnvChangeToken:
			s.conn.ApplyEnvChange(v)
		case *tds.SQLMessageToken:
			// Errors become pending and raise at the DONE.
			s.handleMessage(v)
		case *tds.DoneToken:
			if s.pending != nil {
				s.finished = true
				s.release(true)
				return s.pending
			}
			if !v.More() {
				s.finished = true
				s.release(true)
				return errors.New(errors.ErrCodeProtoMalformedToken,
					"result stream completed without column metadata")
			}
		}
	}
}

// checkBoundMetadata compares wire metadata against the bind-time
// column snapshot.
func checkBoundMetadata(bind []catalog.ColumnInfo, wire []tds.Column) error {
	if len(bind) != len(wire) {
		return errors.Newf(errors.ErrCodeProtoMetadataMismatch,
			"result has %d columns, bound scan expects %d", len(wire), len(bind)).
			WithSuggestion("refresh the catalog; the remote table changed since bind")
	}
	for i := range bind {
		if !strings.EqualFold(bind[i].Name, wire[i].Name) {
			return errors.Newf(errors.ErrCodeProtoMetadataMismatch,
				"column %d is %q, bound scan expects %q", i, wire[i].Name, bind[i].Name).
				WithSuggestion("refresh the catalog; the remote table changed since bind")
		}
	}
	return nil
}

// handleMessage routes INFO tokens to the diagnostic sink and turns
// ERROR tokens into the pending error.
func (s *ResultStream) handleMessage(m *tds.SQLMessageToken) {
	if !m.IsError {
		s.logger.Info(m.Message, map[string]interface{}{"number": m.Number})
		return
	}
	s.pending = &errors.RemoteError{
		Number: m.Number, State: m.State, Class: m.Class,
		Message: m.Message, Server: m.Server, Proc: m.Proc, Line: m.Line,
	}
}

// NextBatch fills one column-oriented batch up to the batch size, then
// yields. It returns (nil, nil) at end of stream; the connection has
// then been returned to the pool. A context cancellation triggers the
// attention protocol.
func (s *ResultStream) NextBatch(ctx context.Context) (*Batch, error) {
	if s.finished {
		if s.pending != nil {
			err := s.pending
			s.pending = nil
			return nil, err
		}
		return nil, nil
	}
	if s.cancelled.Load() {
		return nil, errors.New(errors.ErrCodeCancelled, "scan cancelled")
	}

	batch := &Batch{Columns: make([][]interface{}, len(s.columns))}
	for i := range batch.Columns {
		batch.Columns[i] = make([]interface{}, 0, s.batchSize)
	}

	for batch.NumRows < s.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, s.cancel()
		}

		tok, err := s.tr.Next()
		if err == io.EOF {
			s.finished = true
			s.release(true)
			break
		}
		if err != nil {
			s.fail()
			return nil, errors.Wrap(err, errors.ErrCodeProtoMalformedToken, "reading result stream")
		}

		switch v := tok.(type) {
		case *tds.RowToken:
			for i, val := range v.Values {
				batch.Columns[i] = append(batch.Columns[i], val)
			}
			batch.NumRows++
		case *tds.EnvChangeToken:
			s.conn.ApplyEnvChange(v)
		case *tds.SQLMessageToken:
			s.handleMessage(v)
		case *tds.ColMetadataToken:
			// Metadata must not change mid-query for a bound scan.
			s.fail()
			return nil, errors.New(errors.ErrCodeProtoMetadataMismatch,
				"column metadata changed mid-query")
		case *tds.OrderToken:
			// Informational.
		case *tds.DoneToken:
			if v.Attention() {
				// An attention we did not send; consume silently.
				continue
			}
			if v.More() {
				// Another result set follows; a bound scan produced
				// exactly one.
				s.fail()
				return nil, errors.New(errors.ErrCodeProtoMetadataMismatch,
					"unexpected additional result set in scan")
			}
			s.finished = true
			s.release(true)
		}
		if s.finished {
			break
		}
	}

	if s.finished && s.pending != nil && batch.NumRows == 0 {
		err := s.pending
		s.pending = nil
		return nil, err
	}
	if batch.NumRows == 0 && s.finished {
		return nil, nil
	}
	return batch, nil
}

// cancel sends the attention and drains to the acknowledgement, then
// returns the connection to the pool.
func (s *ResultStream) cancel() error {
	if !s.cancelled.CompareAndSwap(false, true) {
		return errors.New(errors.ErrCodeCancelled, "scan cancelled")
	}

	s.logger.Debug("cancelling scan", nil)
	if err := s.conn.SendAttention(); err != nil {
		s.fail()
		return errors.Wrap(err, errors.ErrCodeCancelled, "scan cancelled; attention failed")
	}
	if err := s.conn.DrainToAttentionAck(s.tr); err != nil {
		s.fail()
		return errors.Wrap(err, errors.ErrCodeCancelled, "scan cancelled; drain failed")
	}

	s.finished = true
	s.release(false)
	return errors.New(errors.ErrCodeCancelled, "scan cancelled")
}

// Cancel aborts the stream from the host side.
func (s *ResultStream) Cancel() error {
	if s.finished {
		return nil
	}
	err := s.cancel()
	if errors.IsCode(err, errors.ErrCodeCancelled) {
		return nil
	}
	return err
}

// Close releases the stream's connection, draining any unread portion
// of the response.
func (s *ResultStream) Close() {
	if s.finished {
		return
	}
	if err := s.conn.DrainToEnd(s.tr); err != nil {
		s.logger.Warn("draining abandoned scan failed", map[string]interface{}{"error": err.Error()})
	}
	s.finished = true
	s.release(false)
}

// fail marks the connection failed and discards it via the pool.
func (s *ResultStream) fail() {
	s.conn.Fail()
	s.finished = true
	s.release(false)
}

// release returns the connection to the pool exactly once. markIdle is
// set when the response was fully consumed.
func (s *ResultStream) release(markIdle bool) {
	if s.released {
		return
	}
	s.released = true
	if markIdle {
		s.conn.MarkIdle()
	}
	s.pool.Release(s.conn)
}
