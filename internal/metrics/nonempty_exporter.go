// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// nonEmptyExporter suppresses exports that carry no data points, keeping an
// idle gateway's console output quiet between requests.
type nonEmptyExporter struct {
	delegate metric.Exporter
}

func newNonEmptyConsoleExporter(writer io.Writer) (metric.Exporter, error) {
	delegate, err := stdoutmetric.New(stdoutmetric.WithWriter(writer))
	if err != nil {
		return nil, err
	}
	return &nonEmptyExporter{delegate: delegate}, nil
}

// Export delegates only when at least one scope recorded something.
func (e *nonEmptyExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if rm == nil {
		return nil
	}
	for _, sm := range rm.ScopeMetrics {
		if len(sm.Metrics) > 0 {
			return e.delegate.Export(ctx, rm)
		}
	}
	return nil
}

func (e *nonEmptyExporter) Temporality(kind metric.InstrumentKind) metricdata.Temporality {
	return e.delegate.Temporality(kind)
}

func (e *nonEmptyExporter) Aggregation(kind metric.InstrumentKind) metric.Aggregation {
	return e.delegate.Aggregation(kind)
}

func (e *nonEmptyExporter) Shutdown(ctx context.Context) error {
	return e.delegate.Shutdown(ctx)
}

func (e *nonEmptyExporter) ForceFlush(ctx context.Context) error {
	return e.delegate.ForceFlush(ctx)
}
