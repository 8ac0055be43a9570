package consts

import "time"

// Loop limits
const (
	// DefaultMaxIterations bounds one agent invocation when no profile overrides it
	DefaultMaxIterations = 25
	// DefaultWallClock is the per-invocation wall-clock ceiling
	DefaultWallClock = 10 * time.Minute
	// DefaultToolResultHistory is how many recent tool results LoopState retains
	DefaultToolResultHistory = 64
)

// Tool execution
const (
	// DefaultToolTimeout applies to tools without an explicit timeout
	DefaultToolTimeout = 30 * time.Second
	// MaxWaitSeconds caps the builtin wait tool
	MaxWaitSeconds = 10
	// MinSearchResults and MaxSearchResults bound any max_results argument
	MinSearchResults = 1
	MaxSearchResults = 50
	// DefaultFetchMaxChars truncates fetched page markdown
	DefaultFetchMaxChars = 20000
	// ToolListCacheTTL is how long a registry listing stays cached
	ToolListCacheTTL = 5 * time.Second
)

// Context window
const (
	// DefaultMaxMessages is the message-count budget fallback
	DefaultMaxMessages = 40
	// DefaultAnchorUserMessages is how many leading user messages survive pruning
	DefaultAnchorUserMessages = 2
)

// LLM defaults
const (
	// DefaultMaxTokens is the default maximum tokens for LLM responses
	DefaultMaxTokens = 4096
	// DefaultTemperature is used when neither profile nor config sets one
	DefaultTemperature = 0.2
)

// Buffer sizes
const (
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Timeouts for various operations
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
)
