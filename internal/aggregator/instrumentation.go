package aggregator

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ashureev/ama-gateway/internal/aggregator"

var tracer = otel.Tracer(scopeName)
