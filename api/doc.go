// Package api defines the request and response types for the CouncilFlow HTTP API.
//
// CouncilFlow exposes a RESTful API for:
//   - Starting deliberation rounds on a conversation panel
//   - Queueing human replies into an active round
//   - Cancelling and retrying rounds
//   - Observing round progress via snapshots
//   - Health monitoring and metrics
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
