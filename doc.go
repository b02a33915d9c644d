// Package realtime is the real-time delivery pipeline behind the Showito
// NFT analytics dashboard.
//
// Market events (price changes, sales, whale movements, alerts) enter
// through the service façade or the HTTP control API, are validated and
// sanitized by kind-specific transformers, throttled per entity, batched by
// priority, and fanned out to WebSocket subscribers on per-collection and
// shared channels.
//
// # Layout
//
//   - transform: per-kind validation and sanitization
//   - processor: throttle + batch + subscriber fan-out engine
//   - output/websocket: broadcast server with channel subscriptions
//   - wsclient: reconnecting consumer with subscription restore
//   - service: façade wiring the pieces, ingest API, control surface
//   - message: wire types shared by all of the above
//
// Supporting packages (errors, metric, component, pkg/buffer, pkg/retry,
// pkg/cache, config) carry the ambient concerns: classified errors,
// Prometheus metrics, lifecycle contracts, bounded queues, backoff, TTL
// snapshots, and validated YAML configuration.
package realtime
