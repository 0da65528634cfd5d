package metrics

import "venuesync/logger"

// DropMetric names a counter for inbound data that was discarded.
type DropMetric string

const (
	// DropMetricProtocol counts frames that failed to decode or validate.
	DropMetricProtocol DropMetric = "frames_dropped_protocol"
	// DropMetricMetadata counts updates skipped because market or token
	// metadata was not cached yet.
	DropMetricMetadata DropMetric = "updates_dropped_metadata"
	// DropMetricStaleMarket counts market updates for a market that is no
	// longer selected.
	DropMetricStaleMarket DropMetric = "updates_dropped_stale_market"
	// DropMetricHandlerFailure counts handler invocations that panicked or
	// returned an error.
	DropMetricHandlerFailure DropMetric = "handler_failures"
)

// EmitDropMetric records a single dropped item. Empty labels are omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, messageType, market, reason string) {
	fields := logger.Fields{}
	if messageType != "" {
		fields["message_type"] = messageType
	}
	if market != "" {
		fields["market"] = market
	}
	if reason != "" {
		fields["reason"] = reason
	}

	EmitMetric(log, "drops", string(metric), 1, TypeCounter, fields)
}
