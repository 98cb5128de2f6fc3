package model

import "time"

// Shared defaults used by the server, the CLI and the extraction engine.
const (
	DefaultSyslogPort           = 514
	DefaultSimilarityThreshold  = 0.5
	DefaultTreeDepth            = 4
	DefaultMaxChildren          = 100
	DefaultCancelGrace          = 3 * time.Second
	DefaultFailureMinLines      = 100
	DefaultInsertBatchSize      = 2000
	DefaultInsertFlushInterval  = 250 * time.Millisecond
	DefaultProgressEvery        = 1000
	DefaultExtractMethod        = "Drain"
	DefaultNotificationBacklog  = 256
	DefaultTerminalNotifyWindow = 5 * time.Second
)
