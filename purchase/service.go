// Package purchase applies purchase-order mutations and, once each write
// has committed, schedules the matching plan update.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/scheduler"
	"github.com/c360studio/moprocor/storage"
)

var (
	// ErrInvalid marks a request that cannot be applied to a purchase.
	ErrInvalid = errors.New("invalid purchase request")

	// ErrDuplicateLot is returned when a lot code is already taken.
	ErrDuplicateLot = errors.New("a purchase with this lot already exists")

	// ErrNotFound is returned when no purchase has the lot code.
	ErrNotFound = errors.New("purchase not found")
)

// Service owns the purchase lifecycle.
type Service struct {
	purchases storage.PurchaseStore
	jobs      scheduler.Submitter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a service. A nil jobs submitter disables plan updates.
func NewService(purchases storage.PurchaseStore, jobs scheduler.Submitter, opts ...Option) *Service {
	s := &Service{
		purchases: purchases,
		jobs:      jobs,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the purchase with lot.
func (s *Service) Get(ctx context.Context, lot planning.LotCode) (*planning.PurchaseOrder, error) {
	order, err := s.purchases.GetByLot(ctx, lot)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lot %s: %w", lot, ErrNotFound)
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return order, nil
}

// Create stores a new purchase and schedules its registration in the plan
// of its delivery week.
func (s *Service) Create(ctx context.Context, order planning.PurchaseOrder) (*planning.PurchaseOrder, error) {
	order.ArapackLot = planning.LotCode(strings.TrimSpace(string(order.ArapackLot)))
	if order.ArapackLot == "" {
		return nil, fmt.Errorf("%w: arapack_lot is required", ErrInvalid)
	}
	if order.Quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must not be negative", ErrInvalid)
	}

	if !order.EstimatedDeliveryDate.IsZero() {
		order.WeekOfYear = planning.WeekOf(order.EstimatedDeliveryDate)
	}
	order.MissingQuantity = order.Quantity
	if order.Status == "" {
		order.Status = planning.StatusOpen
	}
	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := s.purchases.Create(ctx, &order); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("lot %s: %w", order.ArapackLot, ErrDuplicateLot)
		}
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	s.logger.Info("Purchase created",
		"lot", order.ArapackLot,
		"symbol", order.Symbol,
		"week", order.WeekOfYear)

	s.schedule(planning.NewJob(planning.KindRegister, order))
	return &order, nil
}

// UpdateDeliveryInfo changes the delivery date, the quantity or both.
//
// Any date change schedules a delivery-date update that knows the week the
// order left. A quantity-only change schedules a quantity update.
func (s *Service) UpdateDeliveryInfo(ctx context.Context, lot planning.LotCode, date *time.Time, quantity *int) (*planning.PurchaseOrder, error) {
	if date == nil && quantity == nil {
		return nil, fmt.Errorf("%w: a delivery date or a quantity is required", ErrInvalid)
	}
	if date != nil && date.IsZero() {
		return nil, fmt.Errorf("%w: delivery date is empty", ErrInvalid)
	}
	if quantity != nil && *quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalid)
	}

	order, err := s.Get(ctx, lot)
	if err != nil {
		return nil, err
	}
	originalWeek := order.WeekOfYear

	if date != nil {
		order.ApplyDeliveryDate(*date)
	}
	if quantity != nil {
		order.ApplyQuantity(*quantity)
	}
	order.UpdatedAt = s.now()

	if err := s.purchases.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save purchase: %w", err)
	}

	s.logger.Info("Purchase delivery info updated",
		"lot", lot,
		"original_week", originalWeek,
		"week", order.WeekOfYear,
		"quantity", order.Quantity)

	if date != nil {
		job := planning.NewJob(planning.KindDeliveryDate, *order)
		job.OriginalWeek = originalWeek
		s.schedule(job)
	} else {
		s.schedule(planning.NewJob(planning.KindQuantity, *order))
	}
	return order, nil
}

// ChangeStatus sets the purchase status. Moving a purchase to CANCELED
// schedules its removal from the plan.
func (s *Service) ChangeStatus(ctx context.Context, lot planning.LotCode, status planning.PurchaseStatus) (*planning.PurchaseOrder, error) {
	switch status {
	case planning.StatusOpen, planning.StatusCanceled, planning.StatusDelivered:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}

	order, err := s.Get(ctx, lot)
	if err != nil {
		return nil, err
	}
	previous := order.Status
	order.Status = status
	order.UpdatedAt = s.now()

	if err := s.purchases.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save purchase: %w", err)
	}

	s.logger.Info("Purchase status changed", "lot", lot, "from", previous, "to", status)

	if status == planning.StatusCanceled && previous != planning.StatusCanceled {
		s.schedule(planning.NewJob(planning.KindCancel, *order))
	}
	return order, nil
}

// schedule hands job to the scheduler. The mutation has already committed,
// so a refused job is only logged; the scheduler records it.
func (s *Service) schedule(job planning.Job) {
	if s.jobs == nil {
		s.logger.Debug("Plan updates disabled, job not scheduled", "lot", job.Order.ArapackLot, "kind", job.Kind)
		return
	}
	job.SubmittedAt = s.now()
	if err := s.jobs.Submit(job); err != nil {
		s.logger.Warn("Plan update not scheduled",
			"lot", job.Order.ArapackLot,
			"kind", job.Kind,
			"job_id", job.ID,
			"error", err)
	}
}
