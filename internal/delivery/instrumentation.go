package delivery

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ashureev/ama-gateway/internal/delivery"

var tracer = otel.Tracer(scopeName)
