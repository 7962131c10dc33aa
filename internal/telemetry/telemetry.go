// Package telemetry configures OpenTelemetry metrics for the collector.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/depthstream/depthstream/internal/schema"
)

// Init configures the global meter provider. An empty endpoint installs the
// noop provider so instrumented code needs no guards.
func Init(ctx context.Context, endpoint, service string) (apimetric.MeterProvider, func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	if service == "" {
		service = "depthstream-collector"
	}

	if endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}

// Metrics carries the sync-core counters. A nil *Metrics is inert.
type Metrics struct {
	updatesApplied   apimetric.Int64Counter
	gapsDetected     apimetric.Int64Counter
	resyncs          apimetric.Int64Counter
	checksumFailures apimetric.Int64Counter
	bufferDropped    apimetric.Int64Counter
	publishDropped   apimetric.Int64Counter
	decodeDropped    apimetric.Int64Counter
	puMatches        apimetric.Int64Counter
	overlapAccepts   apimetric.Int64Counter
}

// NewMetrics registers the collector's counters on the provider.
func NewMetrics(mp apimetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("depthstream/collector")
	m := &Metrics{}
	var err error
	for _, c := range []struct {
		dst  *apimetric.Int64Counter
		name string
		desc string
	}{
		{&m.updatesApplied, "depthstream.updates.applied", "depth updates applied to books"},
		{&m.gapsDetected, "depthstream.gaps.detected", "sequence gaps detected in READY"},
		{&m.resyncs, "depthstream.resyncs", "resync cycles entered"},
		{&m.checksumFailures, "depthstream.checksum.failures", "OKX checksum validation failures"},
		{&m.bufferDropped, "depthstream.buffer.dropped", "pre-snapshot updates dropped on overflow"},
		{&m.publishDropped, "depthstream.publish.dropped", "outbound books coalesced or evicted"},
		{&m.decodeDropped, "depthstream.decode.dropped", "websocket frames dropped as undecodable"},
		{&m.puMatches, "depthstream.continuity.pu_matches", "derivatives updates accepted by pu match"},
		{&m.overlapAccepts, "depthstream.continuity.overlap_accepts", "derivatives updates accepted by id overlap"},
	} {
		if *c.dst, err = meter.Int64Counter(c.name, apimetric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter apimetric.Int64Counter, n int64, exchange schema.Exchange, symbol string) {
	if m == nil || counter == nil || n <= 0 {
		return
	}
	counter.Add(ctx, n, apimetric.WithAttributes(
		attribute.String("exchange", string(exchange)),
		attribute.String("symbol", symbol),
	))
}

// RecordStatsDelta reports the difference between two per-symbol stat
// snapshots. The fleet calls it after each worker action.
func (m *Metrics) RecordStatsDelta(ctx context.Context, exchange schema.Exchange, symbol string, prev, cur schema.Stats) {
	if m == nil {
		return
	}
	m.add(ctx, m.updatesApplied, int64(cur.UpdatesApplied-prev.UpdatesApplied), exchange, symbol)
	m.add(ctx, m.gapsDetected, int64(cur.GapsDetected-prev.GapsDetected), exchange, symbol)
	m.add(ctx, m.resyncs, int64(cur.Resyncs-prev.Resyncs), exchange, symbol)
	m.add(ctx, m.checksumFailures, int64(cur.ChecksumFailures-prev.ChecksumFailures), exchange, symbol)
	m.add(ctx, m.bufferDropped, int64(cur.BufferDropped-prev.BufferDropped), exchange, symbol)
	m.add(ctx, m.puMatches, int64(cur.PuMatches-prev.PuMatches), exchange, symbol)
	m.add(ctx, m.overlapAccepts, int64(cur.OverlapAccepts-prev.OverlapAccepts), exchange, symbol)
}

// RecordDecodeDropped reports frames the decoder rejected. Attributed per
// exchange only: a malformed frame has no reliable symbol.
func (m *Metrics) RecordDecodeDropped(ctx context.Context, exchange schema.Exchange, n int64) {
	if m == nil || m.decodeDropped == nil || n <= 0 {
		return
	}
	m.decodeDropped.Add(ctx, n, apimetric.WithAttributes(
		attribute.String("exchange", string(exchange)),
	))
}

// RecordPublishDropped reports outbound queue drops.
func (m *Metrics) RecordPublishDropped(ctx context.Context, n int64) {
	if m == nil || m.publishDropped == nil || n <= 0 {
		return
	}
	m.publishDropped.Add(ctx, n)
}
