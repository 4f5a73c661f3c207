package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/metrics"
	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/pkg/middleware"
	"github.com/ksred/tokex-api/pkg/response"
)

// Engine matches a persisted order and serializes lifecycle changes per order
type Engine interface {
	ProcessOrder(ctx context.Context, order *types.Order) (*types.Order, error)
	WithOrderLock(orderID string, fn func() error) error
}

// Service handles order submission, cancellation and queries
type Service struct {
	db        *Database
	engine    Engine
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(db *Database, engine Engine, publisher events.Publisher, m *metrics.Metrics) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		db:        db,
		engine:    engine,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
		logger:    log.With().Str("service", "trading").Logger(),
	}
}

// SubmitOrder validates and persists a new order, then matches it. A repeated
// idempotency key from the same user returns the order created first.
func (s *Service) SubmitOrder(ctx context.Context, userID string, req CreateOrderRequest, idempotencyKey string) (*types.Order, error) {
	scopedKey := ""
	if idempotencyKey != "" {
		scopedKey = userID + ":" + idempotencyKey
		existing, err := s.replay(ctx, scopedKey)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	order, err := s.buildOrder(ctx, userID, req)
	if err != nil {
		s.logger.Info().
			Err(err).
			Str("user_id", userID).
			Str("asset_id", req.AssetID).
			Msg("order rejected")
		return nil, err
	}

	if err := s.db.CreateOrder(ctx, order, scopedKey); err != nil {
		// A concurrent request with the same key won the insert
		if scopedKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, replayErr := s.replay(ctx, scopedKey); replayErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.metrics.ObserveSubmission(string(order.Side), string(order.OrderType))
	s.logger.Info().
		Str("order_id", order.OrderID).
		Str("user_id", userID).
		Str("asset_id", order.AssetID).
		Str("side", string(order.Side)).
		Str("price", order.Price.String()).
		Str("quantity", order.Quantity.String()).
		Msg("order accepted")

	order.Status = types.OrderStatusOpen
	processed, err := s.engine.ProcessOrder(context.WithoutCancel(ctx), order)
	if err != nil {
		s.abandon(context.WithoutCancel(ctx), order)
		return nil, fmt.Errorf("process order %s: %w", order.OrderID, err)
	}
	return processed, nil
}

func (s *Service) replay(ctx context.Context, scopedKey string) (*types.Order, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, scopedKey)
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if record == nil || !record.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	order, err := s.db.GetOrder(ctx, record.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) buildOrder(ctx context.Context, userID string, req CreateOrderRequest) (*types.Order, error) {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, invalid("side", "must be buy or sell")
	}
	if req.OrderType == "" {
		req.OrderType = types.OrderTypeLimit
	}
	switch req.OrderType {
	case types.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return nil, invalid("price", "must be greater than zero")
		}
	case types.OrderTypeMarket:
		if !req.Price.IsZero() {
			return nil, invalid("price", "must be omitted for market orders")
		}
	default:
		return nil, invalid("order_type", "must be limit or market")
	}
	if !req.Quantity.IsPositive() {
		return nil, invalid("quantity", "must be greater than zero")
	}
	if -req.Quantity.Exponent() > maxQuantityDecimals || -req.Price.Exponent() > maxQuantityDecimals {
		return nil, invalid("quantity", "at most %d decimal places", maxQuantityDecimals)
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, invalid("expires_at", "must be in the future")
	}

	asset, err := s.db.GetAsset(ctx, req.AssetID)
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	if asset == nil || !asset.Active {
		return nil, &ValidationError{Field: "asset_id", Message: "unknown or inactive asset", Err: ErrUnknownAsset}
	}
	if req.Blockchain == "" {
		req.Blockchain = asset.Blockchain
	}
	if req.Blockchain != asset.Blockchain {
		return nil, invalid("blockchain", "asset %s settles on %s", asset.AssetID, asset.Blockchain)
	}

	return &types.Order{
		OrderID:           uuid.New().String(),
		UserID:            userID,
		AssetID:           asset.AssetID,
		Side:              req.Side,
		OrderType:         req.OrderType,
		Status:            types.OrderStatusPending,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Blockchain:        req.Blockchain,
		ExpiresAt:         req.ExpiresAt,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// abandon cancels an order whose matching run failed before any fill, so it
// is not left pending forever
func (s *Service) abandon(ctx context.Context, order *types.Order) {
	if !order.FilledQuantity.IsZero() {
		s.logger.Error().
			Str("order_id", order.OrderID).
			Str("filled", order.FilledQuantity.String()).
			Msg("order processing failed after fills, leaving for reconciliation")
		return
	}
	if _, err := s.cancel(ctx, order.OrderID, ""); err != nil {
		s.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to cancel order after processing error")
	}
}

// CancelOrder cancels a live order owned by userID
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*types.Order, error) {
	return s.cancel(ctx, orderID, userID)
}

// AdminCancelOrder cancels a live order regardless of owner
func (s *Service) AdminCancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return s.cancel(ctx, orderID, "")
}

// cancel waits for the order's lock so it never interleaves with a fill.
// An empty userID skips the ownership check.
func (s *Service) cancel(ctx context.Context, orderID, userID string) (*types.Order, error) {
	var cancelled *types.Order
	err := s.engine.WithOrderLock(orderID, func() error {
		order, err := s.db.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		if order == nil || (userID != "" && order.UserID != userID) {
			return ErrOrderNotFound
		}
		if !order.Status.Cancellable() {
			return ErrOrderNotCancellable
		}
		order.Status = types.OrderStatusCancelled
		order.UpdatedAt = s.now()
		if err := s.db.UpdateOrder(ctx, order); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", cancelled.OrderID).
		Str("user_id", cancelled.UserID).
		Str("remaining", cancelled.RemainingQuantity.String()).
		Msg("order cancelled")
	s.metrics.ObserveProcessed(string(cancelled.Status))
	s.publisher.Publish(ctx, events.OrderUpdated, *cancelled)
	return cancelled, nil
}

// ExpireOrders cancels live orders whose expiry has passed and returns how
// many were cancelled
func (s *Service) ExpireOrders(ctx context.Context, limit int) (int, error) {
	now := s.now()
	expired, err := s.db.ExpiredOrders(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired orders: %w", err)
	}

	count := 0
	for _, order := range expired {
		_, err := s.cancel(ctx, order.OrderID, "")
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrOrderNotCancellable):
			// filled or cancelled since the query
		default:
			s.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to expire order")
		}
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("expired orders cancelled")
	}
	return count, nil
}

// GetOrder returns the order when it belongs to userID
func (s *Service) GetOrder(ctx context.Context, orderID, userID string) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil || order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) ListOpenOrders(ctx context.Context, userID string) ([]types.Order, error) {
	orders, err := s.db.ListOrders(ctx, userID, OrderFilter{
		Status: []types.OrderStatus{types.OrderStatusOpen, types.OrderStatusPartiallyFilled},
		Limit:  maxPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return orders, nil
}

func (s *Service) ListOrderHistory(ctx context.Context, userID string, filter OrderFilter) ([]types.Order, error) {
	orders, err := s.db.ListOrders(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list order history: %w", err)
	}
	return orders, nil
}

func (s *Service) CreateAsset(ctx context.Context, req CreateAssetRequest) (*types.Asset, error) {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	asset := &types.Asset{
		AssetID:    req.AssetID,
		Symbol:     req.Symbol,
		Name:       req.Name,
		Blockchain: req.Blockchain,
		Active:     active,
	}
	if err := s.db.UpsertAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("upsert asset: %w", err)
	}
	s.logger.Info().Str("asset_id", asset.AssetID).Str("blockchain", asset.Blockchain).Bool("active", active).Msg("asset saved")
	return asset, nil
}

func (s *Service) ListAssets(ctx context.Context) ([]types.Asset, error) {
	return s.db.ListAssets(ctx)
}

// GinHandlers contains HTTP handlers for order and asset endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func handleError(c *gin.Context, err error) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		response.ValidationFailed(c, validation.Error())
	case errors.Is(err, ErrOrderNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, ErrOrderNotCancellable), errors.Is(err, ErrConcurrentUpdate):
		response.Conflict(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}

// CreateOrderHandler handles POST /orders. The Idempotency-Key header is optional.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitOrder(c.Request.Context(), userID, req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_id"), userID)
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"), userID)
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// AdminCancelOrderHandler handles internal POST /internal/orders/:order_id/cancel
func (h *GinHandlers) AdminCancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.AdminCancelOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) ListOpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		orders, err := h.service.ListOpenOrders(c.Request.Context(), userID)
		response.Handle(c, orders, err)
	}
}

// ListOrderHistoryHandler handles GET /orders?asset_id=&side=&status=&from=&to=&limit=&offset=
// status accepts a comma separated list; from and to are RFC3339.
func (h *GinHandlers) ListOrderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		filter, err := parseOrderFilter(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		orders, err := h.service.ListOrderHistory(c.Request.Context(), userID, filter)
		response.Handle(c, orders, err)
	}
}

func parseOrderFilter(c *gin.Context) (OrderFilter, error) {
	filter := OrderFilter{
		AssetID: c.Query("asset_id"),
		Side:    types.OrderSide(c.Query("side")),
	}
	if filter.Side != "" && filter.Side != types.SideBuy && filter.Side != types.SideSell {
		return filter, errors.New("side must be buy or sell")
	}
	if v := c.Query("status"); v != "" {
		for _, status := range strings.Split(v, ",") {
			filter.Status = append(filter.Status, types.OrderStatus(strings.TrimSpace(status)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("%s must be an RFC3339 timestamp", name)
		}
		*dst = &t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// CreateAssetHandler handles internal POST /internal/assets
func (h *GinHandlers) CreateAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAssetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		asset, err := h.service.CreateAsset(c.Request.Context(), req)
		response.Handle(c, asset, err)
	}
}

func (h *GinHandlers) ListAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assets, err := h.service.ListAssets(c.Request.Context())
		response.Handle(c, assets, err)
	}
}
