// Package intent implements the order intention registry: it validates
// and records individual user order requests, reserves cash for buys,
// checks share availability for sells, and answers pending-order queries.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/limits"
	"github.com/etfpool/batch-engine/internal/metrics"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/push"
	"github.com/etfpool/batch-engine/internal/store"
)

var symbolRegex = regexp.MustCompile(`^[A-Z0-9.]{1,12}$`)

// reserveBuffer is the price-movement buffer applied to BUY reservations:
// reserved = estimated value * 1.02.
var reserveBuffer = decimal.RequireFromString("1.02")

// Locker reports whether new submissions are locked out, which is the
// case while a batch is aggregating and executing.
type Locker interface {
	Locked() bool
}

// ValidStatuses lists the intention status values accepted as filters.
var ValidStatuses = map[string]bool{
	model.IntentionPending:         true,
	model.IntentionAggregated:      true,
	model.IntentionFilled:          true,
	model.IntentionPartiallyFilled: true,
	model.IntentionRejected:        true,
	model.IntentionCancelled:       true,
}

// CreateRequest is the input for intention submission.
type CreateRequest struct {
	AccountID      string
	UserID         string
	Symbol         string
	ContractID     string
	Side           string
	Quantity       int64
	OrderType      string
	LimitPrice     decimal.Decimal // required for LIMIT
	EstimatedPrice decimal.Decimal // latest quote, used when no limit price
}

// Service is the order intention registry.
type Service struct {
	store     store.Store
	ledger    *ledger.Service
	portfolio *portfolio.Service
	limiter   *limits.DailyLimiter
	locker    Locker
	hub       *push.Hub
}

// NewService creates an intention registry. Pass nil for hub if
// WebSocket broadcasting is not needed.
func NewService(st store.Store, lg *ledger.Service, pf *portfolio.Service, lm *limits.DailyLimiter, lk Locker, hub *push.Hub) *Service {
	return &Service{
		store:     st,
		ledger:    lg,
		portfolio: pf,
		limiter:   lm,
		locker:    lk,
		hub:       hub,
	}
}

// Create validates and records one intention. For a BUY the estimated
// value plus a 2% buffer is reserved before the intention is persisted;
// if persistence then fails the reservation is released again. A crash
// between the two steps leaves cash reserved with no intention; the
// transaction audit trail surfaces that for manual correction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.OrderIntention, error) {
	if s.locker != nil && s.locker.Locked() {
		metrics.IntentionsRejected.WithLabelValues("batch_in_progress").Inc()
		return nil, model.ErrBatchInProgress
	}

	if err := validate(req); err != nil {
		metrics.IntentionsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	// Pricing basis: limit price when present, else the quote estimate.
	price := req.LimitPrice
	if price.IsZero() {
		price = req.EstimatedPrice
	}
	if price.IsZero() {
		metrics.IntentionsRejected.WithLabelValues("missing_price").Inc()
		return nil, model.ErrMissingPrice
	}

	estimatedValue := price.Mul(decimal.NewFromInt(req.Quantity))

	if s.limiter != nil {
		if err := s.limiter.CheckAndRecord(req.UserID, estimatedValue); err != nil {
			metrics.IntentionsRejected.WithLabelValues("daily_limit").Inc()
			return nil, err
		}
	}

	in := &model.OrderIntention{
		ID:             uuid.New().String(),
		AccountID:      req.AccountID,
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		ContractID:     req.ContractID,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		EstimatedPrice: req.EstimatedPrice,
		EstimatedValue: estimatedValue,
		Status:         model.IntentionPending,
		CreatedAt:      time.Now().UTC(),
	}

	switch req.Side {
	case model.SideBuy:
		in.ReservedAmount = estimatedValue.Mul(reserveBuffer)
		if err := s.ledger.Reserve(ctx, req.AccountID, in.ReservedAmount, in.ID); err != nil {
			s.releaseLimit(req.UserID, estimatedValue)
			metrics.IntentionsRejected.WithLabelValues("funds").Inc()
			return nil, err
		}
	case model.SideSell:
		held, err := s.portfolio.HeldQuantity(ctx, req.AccountID, req.Symbol)
		if err != nil {
			s.releaseLimit(req.UserID, estimatedValue)
			return nil, err
		}
		if held < req.Quantity {
			s.releaseLimit(req.UserID, estimatedValue)
			metrics.IntentionsRejected.WithLabelValues("shares").Inc()
			return nil, model.ErrInsufficientShares
		}
	}

	if err := s.store.CreateIntention(ctx, in); err != nil {
		// Compensating action: undo the reservation so cash is not
		// silently stuck in reserved.
		if req.Side == model.SideBuy {
			if relErr := s.ledger.Release(ctx, req.AccountID, in.ReservedAmount, in.ID); relErr != nil {
				slog.Error("compensating release failed, cash stuck in reserved",
					"account", req.AccountID,
					"intention", in.ID,
					"amount", in.ReservedAmount.String(),
					"err", relErr,
				)
				if frErr := s.ledger.Freeze(ctx, req.AccountID, in.ReservedAmount, in.ID); frErr != nil {
					slog.Error("failed to freeze account after stuck release",
						"account", req.AccountID, "err", frErr)
				}
			}
		}
		s.releaseLimit(req.UserID, estimatedValue)
		return nil, fmt.Errorf("persist intention: %w", err)
	}

	metrics.IntentionsTotal.WithLabelValues(req.Side).Inc()
	slog.Info("intention created",
		"id", in.ID,
		"user", req.UserID,
		"account", req.AccountID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity,
		"reserved", in.ReservedAmount.String(),
	)
	return in, nil
}

func (s *Service) releaseLimit(userID string, value decimal.Decimal) {
	if s.limiter != nil {
		s.limiter.Release(userID, value)
	}
}

func validate(req CreateRequest) error {
	if req.AccountID == "" {
		return &model.ValidationError{Message: "account_id is required"}
	}
	if req.UserID == "" {
		return &model.ValidationError{Message: "user_id is required"}
	}
	if !symbolRegex.MatchString(req.Symbol) {
		return &model.ValidationError{Message: "symbol must match ^[A-Z0-9.]{1,12}$"}
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return &model.ValidationError{Message: "side must be BUY or SELL"}
	}
	if req.Quantity <= 0 {
		return &model.ValidationError{Message: "quantity must be a positive integer"}
	}
	switch req.OrderType {
	case model.OrderTypeMarket:
		// estimated price validated later as the pricing basis
	case model.OrderTypeLimit:
		if req.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return &model.ValidationError{Message: "limit orders require a positive limit_price"}
		}
	default:
		return &model.ValidationError{Message: "order_type must be MARKET or LIMIT"}
	}
	if req.LimitPrice.IsNegative() || req.EstimatedPrice.IsNegative() {
		return &model.ValidationError{Message: "prices must not be negative"}
	}
	return nil
}

// Cancel cancels a pending intention owned by the caller, releasing any
// BUY reservation. Only pending intentions can be cancelled; aggregated
// or terminal intentions fail with model.ErrInvalidStatus.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*model.OrderIntention, error) {
	in, err := s.store.GetIntention(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.UserID != userID {
		// Do not leak other users' intentions.
		return nil, fmt.Errorf("intention %s: %w", id, model.ErrNotFound)
	}
	if in.Status != model.IntentionPending {
		return nil, model.ErrInvalidStatus
	}

	if err := s.store.UpdateIntentionStatus(ctx, id, model.IntentionCancelled, "cancelled by user"); err != nil {
		return nil, fmt.Errorf("cancel intention %s: %w", id, err)
	}

	if in.Side == model.SideBuy && in.ReservedAmount.IsPositive() {
		if err := s.ledger.Release(ctx, in.AccountID, in.ReservedAmount, in.ID); err != nil {
			// The intention is already cancelled; surface the stuck
			// reservation instead of swallowing it.
			return nil, err
		}
	}

	in.Status = model.IntentionCancelled
	in.Message = "cancelled by user"
	slog.Info("intention cancelled", "id", id, "user", userID)

	s.hub.Broadcast(push.Message{
		Type:        push.EventIntentionUpdate,
		IntentionID: in.ID,
		AccountID:   in.AccountID,
		Symbol:      in.Symbol,
		Side:        in.Side,
		Status:      in.Status,
	})
	return in, nil
}

// List returns a user's intentions, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID, status string) ([]model.OrderIntention, error) {
	if status != "" && !ValidStatuses[status] {
		return nil, &model.ValidationError{
			Message: fmt.Sprintf("invalid status filter: %q", status),
		}
	}
	return s.store.ListIntentionsByUser(ctx, userID, status)
}

// PendingSummary aggregates all pending intentions by symbol: buy, sell
// and net quantities plus total estimated value.
func (s *Service) PendingSummary(ctx context.Context) ([]model.PendingSummary, error) {
	pending, err := s.store.ListPendingIntentions(ctx)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]*model.PendingSummary)
	for _, in := range pending {
		ps, ok := bySymbol[in.Symbol]
		if !ok {
			ps = &model.PendingSummary{Symbol: in.Symbol}
			bySymbol[in.Symbol] = ps
		}
		if in.Side == model.SideBuy {
			ps.BuyQuantity += in.Quantity
		} else {
			ps.SellQuantity += in.Quantity
		}
		ps.EstimatedValue = ps.EstimatedValue.Add(in.EstimatedValue)
	}

	out := make([]model.PendingSummary, 0, len(bySymbol))
	for _, ps := range bySymbol {
		ps.NetQuantity = ps.BuyQuantity - ps.SellQuantity
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
