package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/flash-drop/internal/clock"
	"github.com/rl1809/flash-drop/internal/core/domain"
	"github.com/rl1809/flash-drop/internal/port"
)

const (
	DefaultReservationTTL = 60 * time.Second
	DefaultTopBuyersLimit = 3

	tracerName = "github.com/rl1809/flash-drop/internal/core/service"
)

// DropService is the reservation engine. It is the only writer of
// Drop.AvailableStock and Reservation.Status; every operation commits or
// rolls back as one unit of work.
type DropService struct {
	repo           port.Repository
	broadcaster    port.Broadcaster
	clock          clock.Clock
	logger         *zap.Logger
	tracer         trace.Tracer
	reservationTTL time.Duration
	topBuyersLimit int
	newID          func() string
}

type Option func(*DropService)

// WithReservationTTL overrides how long a reservation holds its unit.
func WithReservationTTL(d time.Duration) Option {
	return func(s *DropService) {
		if d > 0 {
			s.reservationTTL = d
		}
	}
}

// WithTopBuyersLimit overrides the default number of recent buyers per drop.
func WithTopBuyersLimit(n int) Option {
	return func(s *DropService) {
		if n > 0 {
			s.topBuyersLimit = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *DropService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *DropService) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewDropService(repo port.Repository, broadcaster port.Broadcaster, clk clock.Clock, opts ...Option) *DropService {
	s := &DropService{
		repo:           repo,
		broadcaster:    broadcaster,
		clock:          clk,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
		reservationTTL: DefaultReservationTTL,
		topBuyersLimit: DefaultTopBuyersLimit,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateDropInput struct {
	Name       string
	Price      decimal.Decimal
	TotalStock int
	StartTime  time.Time
}

func (in CreateDropInput) validate() error {
	if in.Name == "" {
		return domain.ErrDropNameRequired
	}
	if !in.Price.IsPositive() {
		return domain.ErrInvalidPrice
	}
	if in.TotalStock <= 0 {
		return domain.ErrInvalidStock
	}
	if in.StartTime.IsZero() {
		return domain.ErrStartTimeRequired
	}
	return nil
}

func (s *DropService) CreateDrop(ctx context.Context, in CreateDropInput) (domain.Drop, error) {
	ctx, span := s.tracer.Start(ctx, "DropService.CreateDrop")
	defer span.End()

	if err := in.validate(); err != nil {
		return domain.Drop{}, s.fail(span, err)
	}

	drop := domain.Drop{
		ID:             s.newID(),
		Name:           in.Name,
		Price:          in.Price,
		TotalStock:     in.TotalStock,
		AvailableStock: in.TotalStock,
		StartTime:      in.StartTime.UTC(),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.repo.CreateDrop(ctx, drop); err != nil {
		return domain.Drop{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.String("drop.id", drop.ID))
	return drop, nil
}

// Reserve takes one unit of the drop and opens a reservation for userID.
func (s *DropService) Reserve(ctx context.Context, dropID, userID string) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "DropService.Reserve", trace.WithAttributes(
		attribute.String("drop.id", dropID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	if dropID == "" || userID == "" {
		return domain.Reservation{}, s.fail(span, domain.ErrInvalidID)
	}

	var (
		reservation domain.Reservation
		updated     domain.Drop
	)
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		drop, err := s.repo.GetDropForUpdate(txCtx, dropID)
		if err != nil {
			return err
		}

		updated, err = drop.TakeUnit()
		if err != nil {
			return err
		}
		if err := s.repo.UpdateDropStock(txCtx, updated); err != nil {
			return err
		}

		reservation = domain.NewReservation(s.newID(), dropID, userID, s.clock.Now(), s.reservationTTL)
		return s.repo.CreateReservation(txCtx, reservation)
	})
	if err != nil {
		return domain.Reservation{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.String("reservation.id", reservation.ID))
	s.emit(ctx, domain.StockUpdateEvent{
		DropID:         dropID,
		AvailableStock: updated.AvailableStock,
	})
	return reservation, nil
}

// CompletePurchase finalizes an active reservation. A reservation whose
// deadline has passed is expired in the same unit of work, its unit is
// returned to the drop, and ErrReservationExpired is reported.
func (s *DropService) CompletePurchase(ctx context.Context, reservationID string) (domain.Purchase, error) {
	ctx, span := s.tracer.Start(ctx, "DropService.CompletePurchase", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()

	if reservationID == "" {
		return domain.Purchase{}, s.fail(span, domain.ErrInvalidID)
	}

	var (
		purchase    domain.Purchase
		lapsed      bool
		releasedTo  domain.Drop
		reservation domain.Reservation
	)
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		reservation, err = s.repo.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status != domain.ReservationStatusActive {
			return domain.ErrInvalidState
		}

		now := s.clock.Now()
		if reservation.ExpiredAt(now) {
			releasedTo, _, err = s.release(txCtx, reservation)
			if err != nil {
				return err
			}
			lapsed = true
			return nil
		}

		completed, err := reservation.Transition(domain.ReservationStatusCompleted)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateReservationStatus(txCtx, completed.ID, completed.Status); err != nil {
			return err
		}

		purchase = domain.Purchase{
			ID:            s.newID(),
			DropID:        reservation.DropID,
			UserID:        reservation.UserID,
			ReservationID: reservation.ID,
			CreatedAt:     now,
		}
		return s.repo.CreatePurchase(txCtx, purchase)
	})
	if err != nil {
		return domain.Purchase{}, s.fail(span, err)
	}

	if lapsed {
		s.logger.Info("reservation lapsed at purchase",
			zap.String("reservation_id", reservation.ID),
			zap.String("drop_id", reservation.DropID),
		)
		s.emit(ctx, domain.StockUpdateEvent{
			DropID:         releasedTo.ID,
			AvailableStock: releasedTo.AvailableStock,
			Reason:         domain.ReasonReservationExpired,
		})
		return domain.Purchase{}, s.fail(span, domain.ErrReservationExpired)
	}

	span.SetAttributes(attribute.String("purchase.id", purchase.ID))
	s.emit(ctx, domain.PurchaseCompleteEvent{
		DropID:     purchase.DropID,
		UserID:     purchase.UserID,
		PurchaseID: purchase.ID,
	})
	return purchase, nil
}

type ExpireResult struct {
	Drop        domain.Drop
	Reservation domain.Reservation
	// Released is false when the reservation had already left the active
	// state and nothing changed.
	Released bool
}

// ExpireReservation returns the unit held by an active reservation to its
// drop and marks it expired. It is a no-op for a reservation that is no
// longer active.
func (s *DropService) ExpireReservation(ctx context.Context, reservation domain.Reservation) (ExpireResult, error) {
	ctx, span := s.tracer.Start(ctx, "DropService.ExpireReservation", trace.WithAttributes(
		attribute.String("reservation.id", reservation.ID),
		attribute.String("drop.id", reservation.DropID),
	))
	defer span.End()

	var result ExpireResult
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		current, err := s.repo.GetReservationForUpdate(txCtx, reservation.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.ReservationStatusActive {
			result = ExpireResult{Reservation: current}
			return nil
		}

		drop, expired, err := s.release(txCtx, current)
		if err != nil {
			return err
		}
		result = ExpireResult{Drop: drop, Reservation: expired, Released: true}
		return nil
	})
	if err != nil {
		return ExpireResult{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.Bool("reservation.released", result.Released))
	if result.Released {
		s.emit(ctx, domain.StockUpdateEvent{
			DropID:         result.Drop.ID,
			AvailableStock: result.Drop.AvailableStock,
			Reason:         domain.ReasonReservationExpired,
		})
	}
	return result, nil
}

// release marks a locked active reservation expired and returns its unit.
// Lock order is reservation then drop on every path that takes both.
func (s *DropService) release(ctx context.Context, reservation domain.Reservation) (domain.Drop, domain.Reservation, error) {
	expired, err := reservation.Transition(domain.ReservationStatusExpired)
	if err != nil {
		return domain.Drop{}, domain.Reservation{}, err
	}

	drop, err := s.repo.GetDropForUpdate(ctx, reservation.DropID)
	if err != nil {
		return domain.Drop{}, domain.Reservation{}, err
	}
	drop, err = drop.ReturnUnit()
	if err != nil {
		return domain.Drop{}, domain.Reservation{}, fmt.Errorf("return unit to drop %s: %w", drop.ID, err)
	}

	if err := s.repo.UpdateDropStock(ctx, drop); err != nil {
		return domain.Drop{}, domain.Reservation{}, err
	}
	if err := s.repo.UpdateReservationStatus(ctx, expired.ID, expired.Status); err != nil {
		return domain.Drop{}, domain.Reservation{}, err
	}
	return drop, expired, nil
}

type DropWithBuyers struct {
	Drop      domain.Drop
	Purchases []domain.Purchase
}

// ListDropsWithTopBuyers returns every drop with its most recent purchases.
// A non-positive limit uses the configured default.
func (s *DropService) ListDropsWithTopBuyers(ctx context.Context, limit int) ([]DropWithBuyers, error) {
	ctx, span := s.tracer.Start(ctx, "DropService.ListDropsWithTopBuyers")
	defer span.End()

	if limit <= 0 {
		limit = s.topBuyersLimit
	}

	drops, err := s.repo.ListDrops(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}

	out := make([]DropWithBuyers, 0, len(drops))
	for _, d := range drops {
		purchases, err := s.repo.ListRecentPurchases(ctx, d.ID, limit)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out = append(out, DropWithBuyers{Drop: d, Purchases: purchases})
	}
	return out, nil
}

func (s *DropService) emit(ctx context.Context, event domain.Event) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Emit(ctx, event); err != nil {
		s.logger.Warn("broadcast failed",
			zap.String("event", event.EventName()),
			zap.String("drop_id", event.PartitionKey()),
			zap.Error(err),
		)
	}
}

// fail records err on the span and folds store failures into ErrInternal.
func (s *DropService) fail(span trace.Span, err error) error {
	if !domain.IsKnown(err) {
		err = fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
