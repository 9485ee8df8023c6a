package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SigNoz/artist-storefront/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// AppMetrics holds all application metrics
type AppMetrics struct {
	// HTTP Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestsErrors  metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Database Metrics
	DBQueriesTotal  metric.Int64Counter
	DBQueryDuration metric.Float64Histogram

	// Business Metrics
	OrdersCreated     metric.Int64Counter
	RevenueTotal      metric.Float64Counter
	ProductsViewed    metric.Int64Counter
	InventoryLevel    metric.Int64Gauge
	CheckoutsStarted  metric.Int64Counter
	CheckoutsReleased metric.Int64Counter
	PaymentEvents     metric.Int64Counter

	// Application Metrics
	AwaitingPaymentCount metric.Int64Gauge
	CacheHits            metric.Int64Counter
	CacheMisses          metric.Int64Counter

	dbSystem    string
	serviceName string
}

// NewResource builds the OTel resource shared by the meter and tracer providers.
func NewResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	envRes, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		envRes = resource.Empty()
	}

	// Explicit attributes take precedence over env.
	explicitRes, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.OTELServiceName),
			semconv.ServiceVersion(cfg.OTELServiceVersion),
			attribute.String("deployment.environment", cfg.OTELDeploymentEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create explicit resource: %w", err)
	}

	res, err := resource.Merge(envRes, explicitRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// InitMetrics initializes the OTLP meter provider and the application instruments.
func InitMetrics(ctx context.Context, cfg *config.Config, res *resource.Resource) (*AppMetrics, *sdkmetric.MeterProvider, error) {
	// WithEndpoint expects host:port without a scheme.
	exporterOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.OTELExporterOTLPEndpoint),
		otlpmetrichttp.WithURLPath("/v1/metrics"),
	}
	if cfg.OTELExporterOTLPHeaders != "" {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithHeaders(ParseHeaders(cfg.OTELExporterOTLPHeaders)))
	}
	if cfg.OTELExporterOTLPInsecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(10*time.Second),
	)

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(meterProvider)

	appMetrics, err := NewAppMetrics(meterProvider.Meter(cfg.OTELServiceName), cfg.OTELServiceName, cfg.DBDriver)
	if err != nil {
		return nil, nil, err
	}
	return appMetrics, meterProvider, nil
}

// NewAppMetrics creates every instrument on meter.
func NewAppMetrics(meter metric.Meter, serviceName, dbSystem string) (*AppMetrics, error) {
	b := &instrumentBuilder{meter: meter}
	m := &AppMetrics{dbSystem: dbSystem, serviceName: serviceName}

	m.HTTPRequestsTotal = b.counter("http.server.request.count", "Total number of HTTP requests")
	m.HTTPRequestsErrors = b.counter("http.server.request.error.count", "Total number of HTTP error requests")
	m.HTTPRequestDuration = b.histogram("http.server.request.duration", "HTTP request duration in milliseconds")

	m.DBQueriesTotal = b.counter("db.client.queries.count", "Total number of database queries")
	m.DBQueryDuration = b.histogram("db.client.queries.duration", "Database query duration in milliseconds")

	m.OrdersCreated = b.counter("orders_created_total", "Orders persisted by category and status")
	m.RevenueTotal = b.amount("revenue_total", "Revenue from completed orders in major currency units")
	m.ProductsViewed = b.counter("products_viewed_total", "Product detail lookups")
	m.InventoryLevel = b.gauge("inventory_level", "Units on hand after the last stock change")
	m.CheckoutsStarted = b.counter("checkout_sessions_started_total", "Checkout sessions that reserved stock and reached the payment provider")
	m.CheckoutsReleased = b.counter("checkout_sessions_released_total", "Checkout sessions whose reservation was returned to stock")
	m.PaymentEvents = b.counter("payment_events_total", "Payment provider events received by type and outcome")

	m.AwaitingPaymentCount = b.gauge("checkout_sessions_awaiting_payment", "Checkout sessions holding a reservation while awaiting payment")
	m.CacheHits = b.counter("cache_hits_total", "Product cache hits")
	m.CacheMisses = b.counter("cache_misses_total", "Product cache misses")

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// SigNoz default histogram buckets in milliseconds, expanded to 60s
var durationBuckets = []float64{2, 4, 6, 8, 10, 50, 100, 200, 400, 800, 1000, 1400, 2000, 5000, 10000, 15000, 20000, 30000, 45000, 60000}

// instrumentBuilder keeps the first creation error so NewAppMetrics reads as a list.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) fail(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create instrument %s: %w", name, err)
	}
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	b.fail(name, err)
	return c
}

func (b *instrumentBuilder) amount(name, desc string) metric.Float64Counter {
	c, err := b.meter.Float64Counter(name, metric.WithDescription(desc), metric.WithUnit("USD"))
	b.fail(name, err)
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	b.fail(name, err)
	return h
}

func (b *instrumentBuilder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit("1"))
	b.fail(name, err)
	return g
}

// WithServiceName adds service.name to attributes
func (m *AppMetrics) WithServiceName(attrs []attribute.KeyValue) []attribute.KeyValue {
	return append(attrs, attribute.String("service.name", m.serviceName))
}

// RecordDBQuery records database query metrics including the SQL statement
func (m *AppMetrics) RecordDBQuery(ctx context.Context, operation, table, statement string, start time.Time, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	opt := metric.WithAttributes(m.WithServiceName([]attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
		attribute.String("db.statement", statement),
		attribute.String("db.system", m.dbSystem),
		attribute.String("status", status),
	})...)

	m.DBQueriesTotal.Add(ctx, 1, opt)
	m.DBQueryDuration.Record(ctx, float64(time.Since(start).Milliseconds()), opt)
}

// ParseHeaders parses header string in format "key1=value1,key2=value2"
func ParseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}

	pairs := strings.Split(headerStr, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 {
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return headers
}
