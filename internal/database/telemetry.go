package database

import (
	"context"
	"strings"

	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracedDB wraps a pool and opens a client span around every statement.
type TracedDB struct {
	pool   DatabasePool
	tracer trace.Tracer
}

// NewTracedDB wraps pool with span instrumentation.
func NewTracedDB(pool DatabasePool) *TracedDB {
	return &TracedDB{
		pool:   pool,
		tracer: telemetry.GetDatabaseTracer(),
	}
}

func (db *TracedDB) start(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", statementVerb(sql)),
		),
	)
}

// Query executes a query.
func (db *TracedDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := db.start(ctx, "query", sql)
	defer span.End()

	rows, err := db.pool.Query(ctx, sql, args...)
	telemetry.RecordError(span, err)
	return rows, err
}

// QueryRow executes a query that returns a single row. The span covers
// dispatch only; scan errors surface to the caller.
func (db *TracedDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := db.start(ctx, "query_row", sql)
	defer span.End()

	return db.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a statement without returning rows.
func (db *TracedDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := db.start(ctx, "exec", sql)
	defer span.End()

	tag, err := db.pool.Exec(ctx, sql, args...)
	if err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	}
	telemetry.RecordError(span, err)
	return tag, err
}

// Begin starts a traced transaction.
func (db *TracedDB) Begin(ctx context.Context) (pgx.Tx, error) {
	_, span := db.start(ctx, "begin", "BEGIN")
	defer span.End()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return &TracedTx{Tx: tx, tracer: db.tracer}, nil
}

// TracedTx wraps a transaction. Statement methods are spanned, everything
// else is delegated to the embedded pgx.Tx.
type TracedTx struct {
	pgx.Tx
	tracer trace.Tracer
}

func (tx *TracedTx) start(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return tx.tracer.Start(ctx, "db.tx."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", statementVerb(sql)),
		),
	)
}

func (tx *TracedTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := tx.start(ctx, "query", sql)
	defer span.End()

	rows, err := tx.Tx.Query(ctx, sql, args...)
	telemetry.RecordError(span, err)
	return rows, err
}

func (tx *TracedTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := tx.start(ctx, "query_row", sql)
	defer span.End()

	return tx.Tx.QueryRow(ctx, sql, args...)
}

func (tx *TracedTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := tx.start(ctx, "exec", sql)
	defer span.End()

	tag, err := tx.Tx.Exec(ctx, sql, args...)
	telemetry.RecordError(span, err)
	return tag, err
}

func (tx *TracedTx) Commit(ctx context.Context) error {
	ctx, span := tx.start(ctx, "commit", "COMMIT")
	defer span.End()

	err := tx.Tx.Commit(ctx)
	telemetry.RecordError(span, err)
	return err
}

// statementVerb returns the leading SQL keyword, upper-cased.
func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
