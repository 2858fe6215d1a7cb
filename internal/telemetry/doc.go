// Package telemetry provides OpenTelemetry instrumentation for coordd.
//
// It wires OTLP trace and metric exporters (gRPC or HTTP/protobuf) behind a
// single Telemetry handle with graceful degradation: exporter failures never
// crash the daemon, they only mark telemetry as degraded.
package telemetry
