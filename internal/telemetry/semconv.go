// Package telemetry provides semantic conventions for keel observability.
package telemetry

import (
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for keel-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventKind  = attribute.Key("event.kind")
	AttrStream     = attribute.Key("stream")
	AttrInstrument = attribute.Key("instrument")

	// Command attributes
	AttrCommand = attribute.Key("command")
	AttrResult  = attribute.Key("result")

	// Error attributes
	AttrReason = attribute.Key("reason")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Environment returns the deployment environment used for metric labelling.
func Environment() string {
	env := strings.TrimSpace(os.Getenv("KEEL_ENV"))
	if env == "" {
		return "dev"
	}
	return strings.ToLower(env)
}

// EventAttributes returns common attributes for event metrics.
func EventAttributes(stream, kind, instrument string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStream.String(stream),
		AttrEventKind.String(kind),
	}
	if instrument != "" {
		attrs = append(attrs, AttrInstrument.String(instrument))
	}
	return attrs
}

// CommandAttributes returns common attributes for gateway command metrics.
func CommandAttributes(command, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrCommand.String(command),
		AttrResult.String(result),
	}
}
