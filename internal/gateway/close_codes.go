package gateway

import "errors"

// WebSocket close codes used by the gateway: 1000 for benign shutdown, 1008 for auth failure,
// 1011 for slow consumers and fatal hub errors.
const (
	CloseNormal        = 1000
	CloseAuthFailure   = 1008
	CloseServerProblem = 1011
)

// Sentinel errors for gateway failure modes.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMaxConnections       = errors.New("maximum connections reached")
	ErrSlowConsumer         = errors.New("slow consumer")
	ErrHubFatal             = errors.New("hub invariant violation")
)
