package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/liquidpay/backend/internal/models"
)

// TransactionDetail is a transaction with its attempts, oldest first.
type TransactionDetail struct {
	*models.Transaction
	Attempts []*models.PayoutAttempt `json:"attempts"`
}

// Service is the read surface exposed to reporting collaborators plus retention.
type Service interface {
	ListTransactions(ctx context.Context, f models.TransactionFilter) ([]*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*TransactionDetail, error)
	ListErrorLogs(ctx context.Context, f models.ErrorLogFilter) ([]*models.ErrorLog, error)
	PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (PurgeResult, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) ListTransactions(ctx context.Context, f models.TransactionFilter) ([]*models.Transaction, error) {
	return s.repo.ListTransactions(ctx, f)
}

func (s *service) GetTransaction(ctx context.Context, id uuid.UUID) (*TransactionDetail, error) {
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.repo.ListAttempts(ctx, s.repo.pool, id)
	if err != nil {
		return nil, err
	}
	return &TransactionDetail{Transaction: t, Attempts: attempts}, nil
}

func (s *service) ListErrorLogs(ctx context.Context, f models.ErrorLogFilter) ([]*models.ErrorLog, error) {
	return s.repo.ListErrorLogs(ctx, f)
}

func (s *service) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (PurgeResult, error) {
	u := now.UTC()
	yearStart := time.Date(u.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	return s.repo.PurgeExpired(ctx, u.Add(-retention), yearStart)
}
