package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/floatloan/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist and adds columns introduced later.
// Money is stored as TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		fixed_rate TEXT NOT NULL,
		floating_rate TEXT NOT NULL,
		fixed_period_months INTEGER NOT NULL,
		total_term_months INTEGER NOT NULL,
		start_date DATETIME NOT NULL,
		payment_frequency TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS scheduled_payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		payment_number INTEGER NOT NULL,
		scheduled_date DATETIME NOT NULL,
		scheduled_principal_amount TEXT NOT NULL,
		UNIQUE(loan_id, payment_number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		payment_amount TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id, payment_date);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Columns added after the first release.
	columns := map[string]string{
		"loans":    "prepayment_fee_percentage TEXT NOT NULL DEFAULT '0'",
		"payments": "type TEXT NOT NULL DEFAULT 'MANUAL'",
	}

	for table, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s to %s: %w", col, table, err)
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

const loanColumns = `id, name, principal, fixed_rate, floating_rate, fixed_period_months, total_term_months, start_date, payment_frequency, prepayment_fee_percentage, created_at, updated_at`

// CreateLoan inserts a loan and its schedule in one transaction.
func (s *SQLiteStore) CreateLoan(loan *models.Loan, schedule []models.ScheduledPayment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.Name, loan.Principal, loan.FixedRate, loan.FloatingRate, loan.FixedPeriodMonths, loan.TotalTermMonths,
		loan.StartDate, string(loan.PaymentFrequency), loan.PrepaymentFeePercentage, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for _, sp := range schedule {
		_, err = tx.Exec(
			`INSERT INTO scheduled_payments (id, loan_id, payment_number, scheduled_date, scheduled_principal_amount) VALUES (?, ?, ?, ?, ?)`,
			sp.ID.String(), loan.ID.String(), sp.PaymentNumber, sp.ScheduledDate, sp.ScheduledPrincipalAmount,
		)
		if err != nil {
			return fmt.Errorf("failed to create scheduled payment %d: %w", sp.PaymentNumber, err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, freq string
	if err := row.Scan(&idStr, &loan.Name, &loan.Principal, &loan.FixedRate, &loan.FloatingRate, &loan.FixedPeriodMonths, &loan.TotalTermMonths,
		&loan.StartDate, &freq, &loan.PrepaymentFeePercentage, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	loan.ID = id
	loan.PaymentFrequency = models.PaymentFrequency(freq)
	loan.StartDate = loan.StartDate.UTC()
	return &loan, nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetAllLoans retrieves all loans, newest first.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// DeleteLoan removes a loan, its schedule and its payments within a transaction.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.Exec(`DELETE FROM payments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated payments: %w", err)
	}
	if _, err = tx.Exec(`DELETE FROM scheduled_payments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated scheduled payments: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if err := expectOneRow(result, "loan", id); err != nil {
		return err
	}

	return tx.Commit()
}

// ListScheduledPayments returns the loan's plan ordered by payment number.
func (s *SQLiteStore) ListScheduledPayments(loanID uuid.UUID) ([]models.ScheduledPayment, error) {
	return listScheduledPayments(s.db, loanID)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func listScheduledPayments(q querier, loanID uuid.UUID) ([]models.ScheduledPayment, error) {
	rows, err := q.Query(`SELECT id, loan_id, payment_number, scheduled_date, scheduled_principal_amount FROM scheduled_payments WHERE loan_id = ? ORDER BY payment_number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	schedule := []models.ScheduledPayment{}
	for rows.Next() {
		var sp models.ScheduledPayment
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &sp.PaymentNumber, &sp.ScheduledDate, &sp.ScheduledPrincipalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled payment row: %w", err)
		}
		sp.ID = uuid.MustParse(idStr)
		sp.LoanID = uuid.MustParse(loanIDStr)
		sp.ScheduledDate = sp.ScheduledDate.UTC()
		schedule = append(schedule, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for scheduled payments: %w", err)
	}
	return schedule, nil
}

// UpdateScheduledPayments adjusts several installments in one transaction and returns the resulting plan.
func (s *SQLiteStore) UpdateScheduledPayments(loanID uuid.UUID, updates []models.ScheduledPaymentUpdate) ([]models.ScheduledPayment, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range updates {
		var sets []string
		var args []any
		if u.ScheduledDate != nil {
			sets = append(sets, "scheduled_date = ?")
			args = append(args, u.ScheduledDate.UTC())
		}
		if u.ScheduledPrincipalAmount != nil {
			sets = append(sets, "scheduled_principal_amount = ?")
			args = append(args, *u.ScheduledPrincipalAmount)
		}
		if len(sets) == 0 {
			continue
		}
		args = append(args, u.ID.String(), loanID.String())

		result, err := tx.Exec(`UPDATE scheduled_payments SET `+strings.Join(sets, ", ")+` WHERE id = ? AND loan_id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update scheduled payment %s: %w", u.ID, err)
		}
		if err := expectOneRow(result, "scheduled payment", u.ID); err != nil {
			return nil, err
		}
	}

	schedule, err := listScheduledPayments(tx, loanID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scheduled payment updates: %w", err)
	}
	return schedule, nil
}

// DeleteScheduledPayment removes a single installment.
func (s *SQLiteStore) DeleteScheduledPayment(loanID, id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM scheduled_payments WHERE id = ? AND loan_id = ?`, id.String(), loanID.String())
	if err != nil {
		return fmt.Errorf("failed to delete scheduled payment: %w", err)
	}
	return expectOneRow(result, "scheduled payment", id)
}

// CreatePayment inserts a new payment into the database.
func (s *SQLiteStore) CreatePayment(payment *models.Payment) error {
	_, err := s.db.Exec(
		`INSERT INTO payments (id, loan_id, payment_date, payment_amount, type, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.LoanID.String(), payment.PaymentDate, payment.PaymentAmount, string(payment.Type), payment.Notes, payment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// ListPayments retrieves all payments for a given loan ID.
func (s *SQLiteStore) ListPayments(loanID uuid.UUID) ([]models.Payment, error) {
	rows, err := s.db.Query(`SELECT id, loan_id, payment_date, payment_amount, type, notes, created_at FROM payments WHERE loan_id = ? ORDER BY payment_date ASC, rowid ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var p models.Payment
		var idStr, loanIDStr, typ string
		if err := rows.Scan(&idStr, &loanIDStr, &p.PaymentDate, &p.PaymentAmount, &typ, &p.Notes, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.LoanID = uuid.MustParse(loanIDStr)
		p.Type = models.PaymentType(typ)
		p.PaymentDate = p.PaymentDate.UTC()
		payments = append(payments, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan payments: %w", err)
	}
	return payments, nil
}

// DeletePayment removes a payment belonging to the loan.
func (s *SQLiteStore) DeletePayment(loanID, id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM payments WHERE id = ? AND loan_id = ?`, id.String(), loanID.String())
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return expectOneRow(result, "payment", id)
}

func expectOneRow(result sql.Result, what string, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Storage = (*SQLiteStore)(nil)
