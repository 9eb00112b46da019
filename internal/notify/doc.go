// Package notify delivers rendered notifications through configured
// channels. The dispatcher runs an async queue with rate limiting, logs every
// attempt to storage, and periodically re-sends failed deliveries bounded by
// a retry budget and a lookback horizon.
package notify
