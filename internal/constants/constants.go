package constants

import "time"

// Timeout constants for probe operations
const (
	// DefaultRequestTimeout bounds a single request/response exchange
	DefaultRequestTimeout = 30 * time.Second
	// InitializeTimeout bounds the initialize exchange; servers can be slow to start
	InitializeTimeout = 15 * time.Second
	// ProcessExitTimeout bounds the wait for the peer to terminate after exit
	ProcessExitTimeout = 5 * time.Second
	// ProcessShutdownTimeout bounds the forced reap during Terminate
	ProcessShutdownTimeout = 5 * time.Second
	// RunTimeout bounds an entire conformance sequence end to end
	RunTimeout = 2 * time.Minute
)

// Buffer sizing
const (
	// ResponseBufferSize sizes the stdout reader; workspace/symbol replies can be large
	ResponseBufferSize = 1024 * 1024
	// DiagnosticsLimit caps how much peer stderr is retained for post-mortem reports
	DiagnosticsLimit = 1024 * 1024
)
