package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/floatloan/pkg/cache"
	"github.com/mcclellann/floatloan/pkg/ledger"
	"github.com/mcclellann/floatloan/pkg/models"
	"github.com/mcclellann/floatloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Server holds the ledger instance and owns the storage behind it.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage
	logger  *zap.Logger
}

func NewServer(s store.Storage, c cache.SummaryCache, logger *zap.Logger) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, c, logger),
		storage: s,
		logger:  logger,
	}
}

// Close releases the storage. The server must not serve requests afterwards.
func (s *Server) Close() error {
	return s.storage.Close()
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/scheduled-payments", s.listScheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/scheduled-payments", s.updateScheduleHandler).Methods("PATCH")
	router.HandleFunc("/loans/{id}/scheduled-payments/{sid}", s.deleteScheduledPaymentHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/amortization", s.amortizationHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments/{pid}", s.deletePaymentHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/summary", s.summaryHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/accrued-interest", s.accruedInterestHandler).Methods("GET")

	return router
}

// parseDate accepts YYYY-MM-DD and full RFC 3339 timestamps.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
	}
	return t, nil
}

// queryDate reads an optional date query parameter; a missing one is the zero time.
func queryDate(r *http.Request, name string) (time.Time, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return time.Time{}, nil
	}
	return parseDate(value)
}

func pathID(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		http.Error(w, "Invalid "+label+" ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps ledger and store errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLoanRequest struct {
	Name                    string                  `json:"name"`
	Principal               decimal.Decimal         `json:"principal"`
	FixedRate               decimal.Decimal         `json:"fixed_rate"`
	FloatingRate            decimal.Decimal         `json:"floating_rate"`
	FixedPeriodMonths       int                     `json:"fixed_period_months"`
	TotalTermMonths         int                     `json:"total_term_months"`
	StartDate               string                  `json:"start_date"`
	PaymentFrequency        models.PaymentFrequency `json:"payment_frequency"`
	PrepaymentFeePercentage decimal.Decimal         `json:"prepayment_fee_percentage"`
}

type loanResponse struct {
	*models.Loan
	ScheduledPayments []models.ScheduledPayment `json:"scheduled_payments"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var start time.Time
	if req.StartDate != "" {
		var err error
		if start, err = parseDate(req.StartDate); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	loan, schedule, err := s.ledger.CreateLoan(r.Context(), req.Name, models.LoanParams{
		Principal:               req.Principal,
		FixedRate:               req.FixedRate,
		FloatingRate:            req.FloatingRate,
		FixedPeriodMonths:       req.FixedPeriodMonths,
		TotalTermMonths:         req.TotalTermMonths,
		StartDate:               start,
		PaymentFrequency:        req.PaymentFrequency,
		PrepaymentFeePercentage: req.PrepaymentFeePercentage,
	})
	if err != nil {
		s.fail(w, "api.createLoan", err)
		return
	}

	writeJSON(w, http.StatusCreated, loanResponse{Loan: loan, ScheduledPayments: schedule})
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.fail(w, "api.getLoan", err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		s.fail(w, "api.listLoans", err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}

	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}

	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.fail(w, "api.deleteLoan", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}
	asOf, err := queryDate(r, "asOf")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	views, err := s.ledger.Schedule(r.Context(), loanID, asOf)
	if err != nil {
		s.fail(w, "api.listSchedule", err)
		return
	}

	writeJSON(w, http.StatusOK, views)
}

type scheduleUpdateRequest struct {
	ScheduledPayments []struct {
		ID                       uuid.UUID        `json:"id"`
		ScheduledDate            *string          `json:"scheduled_date"`
		ScheduledPrincipalAmount *decimal.Decimal `json:"scheduled_principal_amount"`
	} `json:"scheduled_payments"`
}

func (s *Server) updateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}

	var req scheduleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updates := make([]models.ScheduledPaymentUpdate, 0, len(req.ScheduledPayments))
	for _, item := range req.ScheduledPayments {
		u := models.ScheduledPaymentUpdate{ID: item.ID, ScheduledPrincipalAmount: item.ScheduledPrincipalAmount}
		if item.ScheduledDate != nil {
			d, err := parseDate(*item.ScheduledDate)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			u.ScheduledDate = &d
		}
		updates = append(updates, u)
	}

	schedule, err := s.ledger.UpdateSchedule(r.Context(), loanID, updates)
	if err != nil {
		s.fail(w, "api.updateSchedule", err)
		return
	}

	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) deleteScheduledPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "sid", "scheduled payment")
	if !ok {
		return
	}

	if err := s.ledger.DeleteScheduledPayment(r.Context(), loanID, id); err != nil {
		s.fail(w, "api.deleteScheduledPayment", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) amortizationHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}

	rows, err := s.ledger.Amortization(r.Context(), loanID)
	if err != nil {
		s.fail(w, "api.amortization", err)
		return
	}
	if rows == nil {
		rows = []models.AmortizationEntry{}
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}
	asOf, err := queryDate(r, "asOf")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payments, err := s.ledger.EnrichedPayments(r.Context(), loanID, asOf)
	if err != nil {
		s.fail(w, "api.listPayments", err)
		return
	}

	writeJSON(w, http.StatusOK, payments)
}

type recordPaymentRequest struct {
	PaymentDate   string             `json:"payment_date"`
	PaymentAmount decimal.Decimal    `json:"payment_amount"`
	Type          models.PaymentType `json:"type"`
	Notes         string             `json:"notes"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}

	var req recordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var date time.Time
	if req.PaymentDate != "" {
		var err error
		if date, err = parseDate(req.PaymentDate); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	payment, err := s.ledger.RecordPayment(r.Context(), loanID, ledger.PaymentInput{
		Date:   date,
		Amount: req.PaymentAmount,
		Type:   req.Type,
		Notes:  req.Notes,
	})
	if err != nil {
		s.fail(w, "api.recordPayment", err)
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) deletePaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}
	paymentID, ok := pathID(w, r, "pid", "payment")
	if !ok {
		return
	}

	if err := s.ledger.DeletePayment(r.Context(), loanID, paymentID); err != nil {
		s.fail(w, "api.deletePayment", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}
	asOf, err := queryDate(r, "asOf")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.ledger.Summary(r.Context(), loanID, asOf)
	if err != nil {
		s.fail(w, "api.summary", err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) accruedInterestHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "id", "loan")
	if !ok {
		return
	}
	upTo, err := queryDate(r, "upToDate")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	total, err := s.ledger.AccruedInterest(r.Context(), loanID, upTo)
	if err != nil {
		s.fail(w, "api.accruedInterest", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"total_accrued_interest": total})
}
