package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/SigNoz/artist-storefront/internal/locks"
	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultCustomerName  = "Guest"
	unknownCustomerEmail = "unknown@example.com"
	defaultLockTimeout   = 10 * time.Second
)

// EventOutcome tells the webhook handler how a payment event was handled.
type EventOutcome int

const (
	// EventProcessed means the event changed state.
	EventProcessed EventOutcome = iota
	// EventDuplicate means the event had already been applied.
	EventDuplicate
	// EventIgnored means the event was acknowledged without acting on it.
	EventIgnored
)

func (o EventOutcome) String() string {
	switch o {
	case EventProcessed:
		return metrics.OutcomeSuccess
	case EventDuplicate:
		return metrics.OutcomeDuplicate
	default:
		return metrics.OutcomeIgnored
	}
}

// CheckoutURLs are the provider redirect targets.
type CheckoutURLs struct {
	SuccessURL string
	CancelURL  string
}

// CheckoutResult is returned once stock is reserved and a payment session exists.
type CheckoutResult struct {
	CheckoutID string
	SessionID  string
	URL        string
	Total      models.Money
}

// FulfillmentConfig wires a FulfillmentCoordinator.
type FulfillmentConfig struct {
	Products  *ProductService
	Checkouts *CheckoutStore
	Orders    *OrderService
	Gateway   payment.Gateway
	Locker    locks.Locker
	Metrics   *metrics.AppMetrics
	UseCases  *metrics.UseCaseMetrics
	Logger    *zap.Logger
	Currency  string
	// LockTimeout bounds the wait for the per-checkout lock. Defaults to 10s.
	LockTimeout time.Duration
}

// FulfillmentCoordinator turns a cart into exactly one order per paid payment
// session. Stock is taken at checkout and given back when the session is
// cancelled or expires.
type FulfillmentCoordinator struct {
	products    *ProductService
	checkouts   *CheckoutStore
	orders      *OrderService
	gateway     payment.Gateway
	locker      locks.Locker
	metrics     *metrics.AppMetrics
	usecases    *metrics.UseCaseMetrics
	logger      *zap.Logger
	tracer      trace.Tracer
	currency    string
	lockTimeout time.Duration
}

// NewFulfillmentCoordinator creates a coordinator.
func NewFulfillmentCoordinator(cfg FulfillmentConfig) *FulfillmentCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &FulfillmentCoordinator{
		products:    cfg.Products,
		checkouts:   cfg.Checkouts,
		orders:      cfg.Orders,
		gateway:     cfg.Gateway,
		locker:      cfg.Locker,
		metrics:     cfg.Metrics,
		usecases:    cfg.UseCases,
		logger:      logger,
		tracer:      otel.Tracer("github.com/SigNoz/artist-storefront/internal/services"),
		currency:    currency,
		lockTimeout: lockTimeout,
	}
}

// ReserveAndCreateSession reserves every cart line and opens a payment
// session for them. Either all lines are reserved and a session exists, or
// nothing changed.
func (c *FulfillmentCoordinator) ReserveAndCreateSession(ctx context.Context, cart []models.CartLine, customer models.CustomerInfo, urls CheckoutURLs) (result *CheckoutResult, err error) {
	ctx, span := c.tracer.Start(ctx, "FulfillmentCoordinator.ReserveAndCreateSession",
		trace.WithAttributes(attribute.Int("cart.lines", len(cart))))
	start := time.Now()
	defer func() {
		c.usecases.Observe("reserve_and_create_session", checkoutOutcome(err), start)
		endSpan(span, err)
	}()
	logger := logging.FromContext(ctx).With(zap.String("use_case", "reserve_and_create_session"))

	lines, err := c.priceCart(ctx, cart, logger)
	if err != nil {
		return nil, err
	}

	checkout := &models.CheckoutSession{
		ID:       uuid.NewString(),
		Customer: customer,
		Lines:    lines,
		Currency: c.currency,
	}
	for _, l := range lines {
		checkout.Total += l.Subtotal()
	}
	span.SetAttributes(attribute.String("checkout.id", checkout.ID))

	if err := c.checkouts.CreateReserved(ctx, checkout); err != nil {
		var insufficient *InsufficientInventoryError
		if errors.As(err, &insufficient) {
			logger.Info("checkout_insufficient_inventory",
				zap.String("product_id", insufficient.ProductID),
				zap.Int("requested", insufficient.Requested),
				zap.Int("available", insufficient.Available))
		}
		return nil, err
	}
	logger = logger.With(zap.String("checkout_id", checkout.ID))
	logger.Info("checkout_reserved", zap.Int("lines", len(lines)), zap.Stringer("total", checkout.Total))

	snapshot, err := payment.EncodeSnapshot(lines)
	if err != nil {
		c.releaseAfterFailure(ctx, checkout.ID, logger)
		return nil, err
	}
	token := IdempotencyToken(lines, customer, checkout.ID)
	session, err := c.gateway.CreateSession(ctx, payment.SessionRequest{
		CheckoutID:       checkout.ID,
		IdempotencyToken: token,
		Lines:            lines,
		Currency:         c.currency,
		Customer:         customer,
		SuccessURL:       urls.SuccessURL,
		CancelURL:        urls.CancelURL,
		Metadata: map[string]string{
			payment.MetaCheckoutID:       checkout.ID,
			payment.MetaIdempotencyToken: token,
			payment.MetaCustomerName:     customer.Name,
			payment.MetaCustomerEmail:    customer.Email,
			payment.MetaCartItems:        snapshot,
		},
	})
	if err != nil {
		logger.Error("payment_session_create_failed", zap.Error(err))
		c.releaseAfterFailure(ctx, checkout.ID, logger)
		return nil, fmt.Errorf("failed to create payment session: %w", err)
	}

	if err := c.checkouts.AttachGatewaySession(ctx, checkout.ID, session.ID); err != nil {
		logger.Error("payment_session_attach_failed", zap.String("session_id", session.ID), zap.Error(err))
		c.releaseAfterFailure(ctx, checkout.ID, logger)
		return nil, err
	}

	c.metrics.CheckoutsStarted.Add(ctx, 1, metric.WithAttributes(c.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("currency", c.currency),
	})...))
	logger.Info("checkout_session_created", zap.String("session_id", session.ID))

	return &CheckoutResult{
		CheckoutID: checkout.ID,
		SessionID:  session.ID,
		URL:        session.URL,
		Total:      checkout.Total,
	}, nil
}

// priceCart validates the cart and replaces client names and prices with the catalog's.
func (c *FulfillmentCoordinator) priceCart(ctx context.Context, cart []models.CartLine, logger *zap.Logger) ([]models.CartLine, error) {
	if len(cart) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]string, 0, len(cart))
	units := make(map[string]int, len(cart))
	for _, line := range cart {
		if line.ProductID == "" {
			return nil, fmt.Errorf("%w: cart item is missing a product id", ErrInvalidInput)
		}
		if line.Quantity <= 0 || line.Quantity > models.MaxLineQuantity {
			return nil, fmt.Errorf("%w for %s", ErrInvalidQuantity, line.ProductID)
		}
		if _, ok := units[line.ProductID]; !ok {
			ids = append(ids, line.ProductID)
		}
		// both operands are capped, so the sum cannot overflow
		units[line.ProductID] += line.Quantity
		if units[line.ProductID] > models.MaxLineQuantity {
			return nil, fmt.Errorf("%w for %s", ErrInvalidQuantity, line.ProductID)
		}
	}

	catalog, err := c.products.LookupProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]models.CartLine, 0, len(cart))
	for _, line := range cart {
		p := catalog[line.ProductID]
		if line.UnitPrice != 0 && line.UnitPrice != p.Price {
			logger.Warn("checkout_price_mismatch",
				zap.String("product_id", p.ID),
				zap.Stringer("client_price", line.UnitPrice),
				zap.Stringer("catalog_price", p.Price))
		}
		lines = append(lines, models.CartLine{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  line.Quantity,
			ImageURL:  p.ImageURL,
		})
	}
	return lines, nil
}

// releaseAfterFailure gives back the stock of a checkout whose session could not be opened.
func (c *FulfillmentCoordinator) releaseAfterFailure(ctx context.Context, checkoutID string, logger *zap.Logger) {
	released, err := c.checkouts.Release(context.WithoutCancel(ctx), checkoutID, models.ReleaseGatewayFailure)
	if err != nil {
		// the sweeper picks it up once it is old enough
		logger.Error("checkout_release_failed", zap.Error(err))
		return
	}
	logger.Info("checkout_released", zap.String("reason", models.ReleaseGatewayFailure), zap.Bool("released", released))
}

// OnPaymentEvent applies a verified provider event. It is safe to call any
// number of times for the same event. A returned error means the event was
// not durably applied and should be redelivered.
func (c *FulfillmentCoordinator) OnPaymentEvent(ctx context.Context, ev payment.Event) (outcome EventOutcome, err error) {
	ctx, span := c.tracer.Start(ctx, "FulfillmentCoordinator.OnPaymentEvent", trace.WithAttributes(
		attribute.String("payment.event_id", ev.ID),
		attribute.String("payment.event_type", ev.Type.String()),
		attribute.String("payment.session_id", ev.SessionID),
	))
	start := time.Now()
	defer func() {
		o := outcome.String()
		if err != nil {
			o = metrics.OutcomeError
		}
		c.usecases.Observe("on_payment_event", o, start)
		c.metrics.PaymentEvents.Add(ctx, 1, metric.WithAttributes(c.metrics.WithServiceName([]attribute.KeyValue{
			attribute.String("event_type", ev.Type.String()),
			attribute.String("outcome", o),
		})...))
		endSpan(span, err)
	}()

	logger := logging.FromContext(ctx).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.ProviderType),
		zap.String("session_id", ev.SessionID),
	)

	if ev.Type == payment.EventUnknown {
		logger.Warn("payment_event_unhandled")
		return EventIgnored, nil
	}

	checkout, err := c.resolveCheckout(ctx, ev)
	if errors.Is(err, ErrCheckoutNotFound) {
		logger.Warn("payment_event_unknown_session", zap.String("checkout_id", ev.CheckoutID))
		return EventIgnored, nil
	}
	if err != nil {
		return EventIgnored, err
	}
	logger = logger.With(zap.String("checkout_id", checkout.ID))
	span.SetAttributes(attribute.String("checkout.id", checkout.ID))

	unlock, err := c.lock(ctx, checkout.ID)
	if err != nil {
		return EventIgnored, err
	}
	defer unlock()

	switch ev.Type {
	case payment.EventCompleted:
		return c.finalize(ctx, ev, checkout, logger)
	case payment.EventCancelled:
		return c.release(ctx, checkout.ID, models.ReleaseCancelled, logger)
	case payment.EventExpired:
		return c.release(ctx, checkout.ID, models.ReleaseExpired, logger)
	}
	return EventIgnored, nil
}

// resolveCheckout finds the checkout behind an event, by provider session
// first and then by the checkout id carried in session metadata.
func (c *FulfillmentCoordinator) resolveCheckout(ctx context.Context, ev payment.Event) (*models.CheckoutSession, error) {
	if ev.SessionID != "" {
		checkout, err := c.checkouts.GetByGatewaySession(ctx, ev.SessionID)
		if !errors.Is(err, ErrCheckoutNotFound) {
			return checkout, err
		}
	}
	if ev.CheckoutID == "" {
		return nil, ErrCheckoutNotFound
	}
	checkout, err := c.checkouts.Get(ctx, ev.CheckoutID)
	if err != nil {
		return nil, err
	}
	if checkout.GatewaySessionID != "" && ev.SessionID != "" && checkout.GatewaySessionID != ev.SessionID {
		return nil, ErrCheckoutNotFound
	}
	return checkout, nil
}

func (c *FulfillmentCoordinator) finalize(ctx context.Context, ev payment.Event, checkout *models.CheckoutSession, logger *zap.Logger) (EventOutcome, error) {
	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = checkout.GatewaySessionID
	}

	existing, err := c.orders.GetByPaymentSession(ctx, sessionID)
	if err == nil {
		logger.Info("finalize_duplicate", zap.String("order_id", existing.ID))
		return EventDuplicate, nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return EventIgnored, err
	}

	status, err := c.checkouts.MarkFinalizing(ctx, checkout.ID)
	if err != nil {
		return EventIgnored, err
	}
	if status == models.CheckoutCompleted {
		logger.Info("finalize_duplicate", zap.String("status", string(status)))
		return EventDuplicate, nil
	}

	var reserve []models.CartLine
	if status == models.CheckoutReleased {
		// paid after the reservation was given back; take the stock again
		logger.Warn("finalize_after_release", zap.String("release_reason", checkout.ReleaseReason))
		reserve = checkout.Lines
	}

	order := buildOrder(ev, checkout, sessionID)
	err = c.orders.Finalize(ctx, order, reserve)

	var insufficient *InsufficientInventoryError
	switch {
	case errors.Is(err, ErrDuplicateFinalization):
		logger.Info("finalize_duplicate", zap.String("reason", "unique_violation"))
		return EventDuplicate, nil
	case errors.As(err, &insufficient):
		order = buildOrder(ev, checkout, sessionID)
		order.Status = models.OrderFailed
		if err := c.orders.Finalize(ctx, order, nil); err != nil {
			if errors.Is(err, ErrDuplicateFinalization) {
				return EventDuplicate, nil
			}
			return EventIgnored, err
		}
		logger.Error("finalize_oversold_after_release",
			zap.String("order_id", order.ID),
			zap.String("payment_intent_id", order.PaymentIntentID),
			zap.String("product_id", insufficient.ProductID),
			zap.Int("available", insufficient.Available))
		return EventProcessed, nil
	case err != nil:
		logger.Error("finalize_failed", zap.Error(err))
		return EventIgnored, err
	}

	if ev.AmountTotal != 0 && ev.AmountTotal != order.Total {
		logger.Warn("finalize_amount_mismatch",
			zap.Stringer("order_total", order.Total),
			zap.Stringer("amount_total", ev.AmountTotal))
	}
	logger.Info("order_finalized",
		zap.String("order_id", order.ID),
		zap.Stringer("total", order.Total),
		zap.Int("items", len(order.Items)))
	return EventProcessed, nil
}

func (c *FulfillmentCoordinator) release(ctx context.Context, checkoutID, reason string, logger *zap.Logger) (EventOutcome, error) {
	released, err := c.checkouts.Release(ctx, checkoutID, reason)
	if err != nil {
		return EventIgnored, err
	}
	if !released {
		logger.Info("release_noop", zap.String("reason", reason))
		return EventDuplicate, nil
	}
	logger.Info("checkout_released", zap.String("reason", reason))
	return EventProcessed, nil
}

// ExpireSession releases a checkout that never heard back from the provider.
func (c *FulfillmentCoordinator) ExpireSession(ctx context.Context, checkoutID string) (released bool, err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		switch {
		case err != nil:
			outcome = metrics.OutcomeError
		case !released:
			outcome = metrics.OutcomeIgnored
		}
		c.usecases.Observe("expire_session", outcome, start)
	}()

	unlock, err := c.lock(ctx, checkoutID)
	if err != nil {
		return false, err
	}
	defer unlock()

	released, err = c.checkouts.Release(ctx, checkoutID, models.ReleaseExpired)
	if err != nil {
		return false, err
	}
	if released {
		logging.FromContext(ctx).Info("checkout_released",
			zap.String("checkout_id", checkoutID),
			zap.String("reason", models.ReleaseExpired))
	}
	return released, nil
}

// ListExpiredSessions returns checkouts still holding stock with no activity since olderThan.
func (c *FulfillmentCoordinator) ListExpiredSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	return c.checkouts.ListExpiredSessions(ctx, olderThan)
}

// SessionStatus reports a payment session's status and its order, if one exists.
func (c *FulfillmentCoordinator) SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error) {
	checkout, err := c.checkouts.GetByGatewaySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	resp := &models.SessionStatusResponse{SessionID: sessionID, Status: checkout.PaymentStatus()}
	if checkout.Status == models.CheckoutCompleted {
		order, err := c.orders.GetByPaymentSession(ctx, sessionID)
		if err != nil && !errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		resp.Order = order
	}
	return resp, nil
}

func (c *FulfillmentCoordinator) lock(ctx context.Context, checkoutID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	unlock, err := c.locker.Lock(lockCtx, "checkout:"+checkoutID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock checkout %s: %w", checkoutID, err)
	}
	return unlock, nil
}

func buildOrder(ev payment.Event, checkout *models.CheckoutSession, sessionID string) *models.Order {
	name := checkout.Customer.Name
	if name == "" {
		name = ev.Metadata[payment.MetaCustomerName]
	}
	if name == "" {
		name = defaultCustomerName
	}

	email := ev.CustomerEmail
	if email == "" {
		email = checkout.Customer.Email
	}
	if email == "" {
		email = unknownCustomerEmail
	}

	order := &models.Order{
		PaymentSessionID: sessionID,
		CheckoutID:       checkout.ID,
		PaymentIntentID:  ev.PaymentIntentID,
		CustomerEmail:    email,
		CustomerName:     name,
		Currency:         checkout.Currency,
		Status:           models.OrderCompleted,
	}
	for _, line := range checkout.Lines {
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   line.ProductID,
			ProductName: line.Name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		})
	}
	order.Total = order.ItemsTotal()
	return order
}

// IdempotencyToken derives the provider idempotency key for one checkout
// attempt. Identical carts from the same customer share the prefix; the
// checkout id keeps separate attempts apart.
func IdempotencyToken(lines []models.CartLine, customer models.CustomerInfo, checkoutID string) string {
	sorted := append([]models.CartLine(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	h := sha256.New()
	for _, l := range sorted {
		h.Write([]byte(l.ProductID))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(l.Quantity)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(int64(l.UnitPrice), 10)))
		h.Write([]byte{0})
	}
	h.Write([]byte(customer.Email))
	h.Write([]byte{0})
	h.Write([]byte(customer.Name))

	return hex.EncodeToString(h.Sum(nil))[:16] + "-" + checkoutID
}

func checkoutOutcome(err error) string {
	var insufficient *InsufficientInventoryError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrProductNotFound), errors.As(err, &insufficient):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
