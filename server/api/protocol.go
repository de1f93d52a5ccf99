package api

const maxRequestBody = 64 * 1024 // 64 KiB

// subscriberBuffer is the per-connection fan-out queue depth. A slow
// consumer that falls this far behind starts losing frames; the client
// recovers via its post-reconnect refresh.
const subscriberBuffer = 64
