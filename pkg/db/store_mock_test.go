package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStoreErrorPaths(t *testing.T) {
	errDB := errors.New("disk I/O error")

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		call      func(s *Store) error
		check     func(t *testing.T, err error)
	}{
		{
			name: "close update fails",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE positions SET status = 'CLOSED'").WillReturnError(errDB)
				mock.ExpectRollback()
			},
			call: func(s *Store) error {
				return s.ClosePosition(context.Background(), CloseRequest{PositionID: 1, At: time.Now()})
			},
			check: func(t *testing.T, err error) {
				var pe *PersistenceError
				if !errors.As(err, &pe) || !errors.Is(err, errDB) {
					t.Errorf("expected PersistenceError wrapping errDB, got %v", err)
				}
			},
		},
		{
			name: "close already closed",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE positions SET status = 'CLOSED'").
					WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT status FROM positions").
					WithArgs(int64(5)).
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("CLOSED"))
				mock.ExpectRollback()
			},
			call: func(s *Store) error {
				return s.ClosePosition(context.Background(), CloseRequest{PositionID: 5, ClosePrice: 1, At: time.Now()})
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrAlreadyClosed) {
					t.Errorf("expected ErrAlreadyClosed, got %v", err)
				}
			},
		},
		{
			name: "close trade insert fails",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE positions SET status = 'CLOSED'").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO trades").WillReturnError(errDB)
				mock.ExpectRollback()
			},
			call: func(s *Store) error {
				return s.ClosePosition(context.Background(), CloseRequest{PositionID: 2, At: time.Now()})
			},
			check: func(t *testing.T, err error) {
				var pe *PersistenceError
				if !errors.As(err, &pe) || pe.Op != "insert close trade" {
					t.Errorf("expected insert close trade error, got %v", err)
				}
			},
		},
		{
			name: "balance upsert fails",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO account_balance").
					WithArgs("USDT", 1.0, 0.0, 1.0, sqlmock.AnyArg()).
					WillReturnError(errDB)
			},
			call: func(s *Store) error {
				return s.UpsertBalance(context.Background(), Balance{Asset: "USDT", Free: 1, Total: 1, UpdatedAt: time.Now()})
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, errDB) {
					t.Errorf("expected errDB, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)
			tt.check(t, tt.call(NewStore(db)))

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}
