// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import "go.opentelemetry.io/otel/metric"

// Instrument registration only fails on malformed names or units, which is a
// programming error, so these helpers panic rather than return it.

func mustRegisterCounter(meter metric.Meter, name string, options ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := meter.Int64Counter(name, options...)
	if err != nil {
		panic(err)
	}
	return c
}

func mustRegisterHistogram(meter metric.Meter, name string, options ...metric.Float64HistogramOption) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, options...)
	if err != nil {
		panic(err)
	}
	return h
}
