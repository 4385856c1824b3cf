package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/verostack/adminauth/pkg/store"
)

const (
	putRecordQuery = `
		INSERT INTO adminauth.session_record (context_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (context_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`

	getRecordQuery = `
		SELECT payload FROM adminauth.session_record
		WHERE context_key = $1`

	deleteRecordQuery = `
		DELETE FROM adminauth.session_record
		WHERE context_key = $1`
)

type Adapter struct {
	db *sql.DB

	stmts preparedStatements
}

type preparedStatements struct {
	putRecord    *sql.Stmt
	getRecord    *sql.Stmt
	deleteRecord *sql.Stmt
}

var _ store.Backend = (*Adapter)(nil)

func NewAdapter(db *sql.DB) (*Adapter, error) {
	if db == nil {
		return nil, errors.New("postgres store: db handle is required")
	}

	adapter := &Adapter{db: db}

	specs := []struct {
		label  string
		query  string
		assign func(*preparedStatements, *sql.Stmt)
	}{
		{
			label: "put session record",
			query: putRecordQuery,
			assign: func(ps *preparedStatements, stmt *sql.Stmt) {
				ps.putRecord = stmt
			},
		},
		{
			label: "get session record",
			query: getRecordQuery,
			assign: func(ps *preparedStatements, stmt *sql.Stmt) {
				ps.getRecord = stmt
			},
		},
		{
			label: "delete session record",
			query: deleteRecordQuery,
			assign: func(ps *preparedStatements, stmt *sql.Stmt) {
				ps.deleteRecord = stmt
			},
		},
	}

	for _, spec := range specs {
		stmt, err := db.Prepare(spec.query)
		if err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("postgres store: prepare %s: %w", spec.label, err)
		}
		spec.assign(&adapter.stmts, stmt)
	}

	return adapter, nil
}

func (a *Adapter) Save(ctx context.Context, key string, payload []byte) error {
	if _, err := a.stmts.putRecord.ExecContext(ctx, key, payload); err != nil {
		return fmt.Errorf("postgres store: save record: %w", err)
	}
	return nil
}

func (a *Adapter) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := a.stmts.getRecord.QueryRowContext(ctx, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres store: load record: %w", err)
	}
	return payload, true, nil
}

func (a *Adapter) Clear(ctx context.Context, key string) error {
	if _, err := a.stmts.deleteRecord.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("postgres store: clear record: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{a.stmts.putRecord, a.stmts.getRecord, a.stmts.deleteRecord} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
