package app

// StopReason records why a shutdown was initiated, for the final log line.
type StopReason string

const (
	StopReasonSignal  StopReason = "signal"
	StopReasonCommand StopReason = "stop_command"
	StopReasonFatal   StopReason = "fatal_error"
)
