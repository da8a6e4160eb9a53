package pgcalls

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

var callCols = []string{
	"id", "external_call_id", "agent_id", "queue_name", "direction",
	"caller_number", "called_number", "start_time", "end_time", "recorded",
}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

func TestGetByExternalID(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 2, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		external  string
		setupMock func(pgxmock.PgxPoolIface)
		wantID    int64
		wantNil   bool
		wantErr   bool
	}{
		{
			name:     "found",
			external: "extcall123",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM calls WHERE external_call_id = \$1`).
					WithArgs("extcall123").
					WillReturnRows(pgxmock.NewRows(callCols).
						AddRow(int64(7), "extcall123", "201", "Support", "inbound",
							"+442075551234", "201", start, nil, false))
			},
			wantID: 7,
		},
		{
			name:     "not found",
			external: "missing",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM calls WHERE external_call_id = \$1`).
					WithArgs("missing").
					WillReturnRows(pgxmock.NewRows(callCols))
			},
			wantNil: true,
		},
		{
			name:     "empty id skips the query",
			external: "",
			setupMock: func(pgxmock.PgxPoolIface) {},
			wantNil:  true,
		},
		{
			name:     "query error",
			external: "boom",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM calls WHERE external_call_id = \$1`).
					WithArgs("boom").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock, store := newMock(t)
			tt.setupMock(mock)

			call, err := store.GetByExternalID(context.Background(), tt.external)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if call != nil {
					t.Fatalf("expected nil call, got %+v", call)
				}
			} else {
				if call == nil || call.ID != tt.wantID {
					t.Fatalf("call = %+v, want id %d", call, tt.wantID)
				}
				if call.EndTime != nil {
					t.Errorf("EndTime = %v, want nil", call.EndTime)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestFindInWindow(t *testing.T) {
	mock, store := newMock(t)

	from := time.Date(2024, 2, 10, 14, 29, 55, 0, time.UTC)
	to := from.Add(10 * time.Second)
	end := to.Add(time.Minute)

	mock.ExpectQuery(`WHERE start_time BETWEEN \$1 AND \$2 ORDER BY start_time, id`).
		WithArgs(from, to).
		WillReturnRows(pgxmock.NewRows(callCols).
			AddRow(int64(1), "a", "201", "Sales", "outbound", "201", "555", from.Add(2*time.Second), end, false).
			AddRow(int64(2), "b", "202", "Sales", "inbound", "555", "202", from.Add(4*time.Second), end, true))

	calls, err := store.FindInWindow(context.Background(), from, to)
	if err != nil {
		t.Fatalf("FindInWindow() error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[1].AgentID != "202" || !calls[1].Recorded {
		t.Errorf("second call = %+v", calls[1])
	}
	if calls[0].EndTime == nil || !calls[0].EndTime.Equal(end) {
		t.Errorf("EndTime = %v, want %v", calls[0].EndTime, end)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkRecorded(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectExec(`UPDATE calls SET recorded = TRUE WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.MarkRecorded(context.Background(), 42); err != nil {
		t.Fatalf("MarkRecorded() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
