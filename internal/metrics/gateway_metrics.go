// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	metricRequests         = "gateway.requests"
	metricRequestDuration  = "gateway.request.duration"
	metricUpstreamDuration = "gateway.upstream.duration"
	metricTokenCache       = "gateway.token_cache.lookups"
	metricOrchestrator     = "gateway.orchestrator.calls"
	metricRateLimiters     = "gateway.rate_limiters"

	attributeRoute   = "http.route"
	attributeMethod  = "http.request.method"
	attributeStatus  = "http.response.status_code"
	attributeTarget  = "gateway.upstream.target"
	attributeOutcome = "gateway.cache.outcome"
	attributeMode    = "gateway.plan.mode"
	attributeCall    = "gateway.call.status"
)

// Upstream target values for RecordUpstream.
const (
	TargetDM           = "dm"
	TargetAgent        = "agent"
	TargetOrchestrator = "orchestrator"
	TargetExplorer     = "explorer"
)

// Gateway holds the instruments the HTTP servers record against.
type Gateway struct {
	meter            metric.Meter
	requests         metric.Int64Counter
	requestDuration  metric.Float64Histogram
	upstreamDuration metric.Float64Histogram
	tokenCache       metric.Int64Counter
	orchestrator     metric.Int64Counter
}

// NewGateway registers the gateway instruments on meter.
func NewGateway(meter metric.Meter) *Gateway {
	return &Gateway{
		meter: meter,
		requests: mustRegisterCounter(meter, metricRequests,
			metric.WithDescription("Requests handled, by route, method and status."),
			metric.WithUnit("{request}")),
		requestDuration: mustRegisterHistogram(meter, metricRequestDuration,
			metric.WithDescription("Wall time spent handling a request."),
			metric.WithUnit("s")),
		upstreamDuration: mustRegisterHistogram(meter, metricUpstreamDuration,
			metric.WithDescription("Wall time spent on one upstream exchange."),
			metric.WithUnit("s")),
		tokenCache: mustRegisterCounter(meter, metricTokenCache,
			metric.WithDescription("OAuth2 token cache lookups, by outcome."),
			metric.WithUnit("{lookup}")),
		orchestrator: mustRegisterCounter(meter, metricOrchestrator,
			metric.WithDescription("Orchestrated upstream calls, by mode and settlement."),
			metric.WithUnit("{call}")),
	}
}

// NewTestGateway returns a Gateway backed by a no-op meter, for tests that
// need the type but not the measurements.
func NewTestGateway() *Gateway {
	return NewGateway(noop.NewMeterProvider().Meter(meterName))
}

// RecordRequest observes one handled request.
func (g *Gateway) RecordRequest(ctx context.Context, route, method string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attributeRoute, route),
		attribute.String(attributeMethod, method),
		attribute.String(attributeStatus, strconv.Itoa(status)),
	)
	g.requests.Add(ctx, 1, attrs)
	g.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordUpstream observes one upstream exchange. target is one of the
// Target* constants; status 0 means the exchange never produced a response.
func (g *Gateway) RecordUpstream(ctx context.Context, target string, status int, elapsed time.Duration) {
	g.upstreamDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String(attributeTarget, target),
		attribute.String(attributeStatus, strconv.Itoa(status)),
	))
}

// RecordTokenCacheLookup counts a token cache hit or miss.
func (g *Gateway) RecordTokenCacheLookup(ctx context.Context, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	g.tokenCache.Add(ctx, 1, metric.WithAttributes(attribute.String(attributeOutcome, outcome)))
}

// RecordOrchestratorCalls counts the settled calls of one plan run.
func (g *Gateway) RecordOrchestratorCalls(ctx context.Context, mode string, fulfilled, rejected int) {
	if fulfilled > 0 {
		g.orchestrator.Add(ctx, int64(fulfilled), metric.WithAttributes(
			attribute.String(attributeMode, mode),
			attribute.String(attributeCall, "fulfilled"),
		))
	}
	if rejected > 0 {
		g.orchestrator.Add(ctx, int64(rejected), metric.WithAttributes(
			attribute.String(attributeMode, mode),
			attribute.String(attributeCall, "rejected"),
		))
	}
}

// ObserveRateLimiters reports the live per-key limiter count through count
// whenever the meter collects.
func (g *Gateway) ObserveRateLimiters(count func() int64) error {
	gauge, err := g.meter.Int64ObservableGauge(metricRateLimiters,
		metric.WithDescription("Per-key rate limiters currently tracked."),
		metric.WithUnit("{limiter}"))
	if err != nil {
		return err
	}
	_, err = g.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, count())
		return nil
	}, gauge)
	return err
}
