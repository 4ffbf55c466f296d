// Package notifications delivers workflow events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Delivery is best effort: the engine logs failures and moves on,
// and a lost notification never changes a job outcome.
//
// Extend this package if you need alternative transports; all workflow code
// depends only on the simple Service interface.
package notifications
