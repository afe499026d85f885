package apikey

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/xenking/apikeys/internal/domain/apikey"

// Verification outcomes recorded as the "outcome" attribute.
const (
	outcomeValid    = "valid"
	outcomeNotFound = "not_found"
	outcomeMismatch = "mismatch"
	outcomeExpired  = "expired"
	outcomeRevoked  = "revoked"
	outcomeConflict = "prefix_conflict"
	outcomeStorage  = "storage_error"
)

type metrics struct {
	verifications metric.Int64Counter
	cacheLookups  metric.Int64Counter
	upgrades      metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   metrics
		err error
	)
	if m.verifications, err = meter.Int64Counter("apikey.verifications",
		metric.WithDescription("API key verifications by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "verifications counter")
	}
	if m.cacheLookups, err = meter.Int64Counter("apikey.cache.lookups",
		metric.WithDescription("Validity cache lookups by result"),
	); err != nil {
		return nil, errors.Wrap(err, "cache lookups counter")
	}
	if m.upgrades, err = meter.Int64Counter("apikey.hash.upgrades",
		metric.WithDescription("Stored hashes rewritten with the preferred hasher"),
	); err != nil {
		return nil, errors.Wrap(err, "upgrades counter")
	}
	return &m, nil
}

func (m *metrics) verification(ctx context.Context, outcome string) {
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) cacheLookup(ctx context.Context, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *metrics) upgrade(ctx context.Context, from string) {
	m.upgrades.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from)))
}
