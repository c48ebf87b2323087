// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics builds the OpenTelemetry meter the servers instrument
// against and defines the gateway's instruments. A Prometheus reader is
// always attached; console and OTLP exporters join it when the environment
// asks for them.
package metrics

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// meterName scopes every instrument the gateway registers.
const meterName = "sdmg/gateway"

// NewMetricsFromEnv configures a MeterProvider from the environment, always
// incorporating promReader. Environment variables honored:
//
//   - OTEL_SDK_DISABLED: "true" suppresses every exporter beyond Prometheus.
//   - OTEL_METRICS_EXPORTER: "none", "console", "prometheus" (default), "otlp".
//   - OTEL_EXPORTER_OTLP_ENDPOINT / OTEL_EXPORTER_OTLP_METRICS_ENDPOINT:
//     presence of either enables the OTLP path.
//
// stdout receives console-exporter output; pass os.Stdout outside tests. The
// returned shutdown function flushes and stops the provider.
func NewMetricsFromEnv(ctx context.Context, stdout io.Writer, promReader sdkmetric.Reader) (metric.Meter, func(context.Context) error, error) {
	options := []sdkmetric.Option{sdkmetric.WithReader(promReader)}

	if os.Getenv("OTEL_SDK_DISABLED") != "true" {
		exporter := os.Getenv("OTEL_METRICS_EXPORTER")
		hasOTLPEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" ||
			os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") != ""

		if exporter == "console" || (exporter != "none" && exporter != "prometheus" && hasOTLPEndpoint) {
			res, err := buildResource(ctx)
			if err != nil {
				return nil, nil, err
			}
			options = append(options, sdkmetric.WithResource(res))

			if exporter == "console" {
				exp, err := newNonEmptyConsoleExporter(stdout)
				if err != nil {
					return nil, nil, err
				}
				options = append(options, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
			} else {
				// autoexport handles the OTLP wiring, periodic reader included.
				otelReader, err := autoexport.NewMetricReader(ctx)
				if err != nil {
					return nil, nil, err
				}
				options = append(options, sdkmetric.WithReader(otelReader))
			}
		}
	}

	mp := sdkmetric.NewMeterProvider(options...)
	return mp.Meter(meterName), mp.Shutdown, nil
}

// buildResource merges the SDK defaults, a fallback service name, and
// whatever OTEL_RESOURCE_ATTRIBUTES / OTEL_SERVICE_NAME add, in that
// precedence order.
func buildResource(ctx context.Context) (*resource.Resource, error) {
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName("dmgw")))
	if err != nil {
		return nil, err
	}
	return resource.Merge(res, envRes)
}
