package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// mockDBTX is a testify mock of the DBTX interface. Repository tests assert
// on SQL shape and argument order without a live database.
type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func (m *mockDBTX) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	args := m.Called(ctx, b)
	return args.Get(0).(pgx.BatchResults)
}

// staticRow is a pgx.Row yielding fixed scan values (or an error).
type staticRow struct {
	vals []any
	err  error
}

func (r staticRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("staticRow: %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, v := range r.vals {
		switch d := dest[i].(type) {
		case *bool:
			d2, ok := v.(bool)
			if !ok {
				return fmt.Errorf("staticRow: value %d is %T, want bool", i, v)
			}
			*d = d2
		case *string:
			d2, ok := v.(string)
			if !ok {
				return fmt.Errorf("staticRow: value %d is %T, want string", i, v)
			}
			*d = d2
		default:
			return fmt.Errorf("staticRow: unsupported destination %T", dest[i])
		}
	}
	return nil
}

// mockBatchResults is a pgx.BatchResults returning a fixed result per Exec.
type mockBatchResults struct {
	execCalls int
	execErr   error
	failAt    int
	closed    bool
}

func (m *mockBatchResults) Exec() (pgconn.CommandTag, error) {
	m.execCalls++
	if m.execErr != nil && m.execCalls >= m.failAt {
		return pgconn.CommandTag{}, m.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockBatchResults) Query() (pgx.Rows, error) { return nil, nil }
func (m *mockBatchResults) QueryRow() pgx.Row        { return staticRow{} }
func (m *mockBatchResults) Close() error {
	m.closed = true
	return nil
}
