package store

import (
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/floatloan/pkg/models"
)

// ErrNotFound is returned (wrapped) when a loan, payment or scheduled payment does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the interface for database operations related to loans, their plan and their payments.
type Storage interface {
	// CreateLoan stores the loan together with its initial schedule atomically.
	CreateLoan(loan *models.Loan, schedule []models.ScheduledPayment) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	GetAllLoans() ([]*models.Loan, error)
	DeleteLoan(id uuid.UUID) error

	ListScheduledPayments(loanID uuid.UUID) ([]models.ScheduledPayment, error)
	// UpdateScheduledPayments applies every update or none of them.
	UpdateScheduledPayments(loanID uuid.UUID, updates []models.ScheduledPaymentUpdate) ([]models.ScheduledPayment, error)
	DeleteScheduledPayment(loanID, id uuid.UUID) error

	CreatePayment(payment *models.Payment) error
	// ListPayments returns payments by date, same-day payments in the order they were recorded.
	ListPayments(loanID uuid.UUID) ([]models.Payment, error)
	DeletePayment(loanID, id uuid.UUID) error

	Close() error
}
