// Package rules evaluates declarative notification rules over classified
// monitor events. Matching rules are rate limited, deduplicated against the
// notification log, rendered from a template and handed to the dispatcher in
// ascending event-time order.
package rules
