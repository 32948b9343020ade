/*
Package telelog provides structured logging for the GPU task engine using
zerolog.

A single package-level Logger is initialized once via Init and shared by
every component. Context loggers (WithComponent, WithTaskID, WithSessionID,
WithDeviceID) attach a field to every subsequent log line without threading
state through call signatures.

# Usage

	telelog.Init(telelog.Config{
		Level:      telelog.InfoLevel,
		JSONOutput: true,
	})

	pipelineLog := telelog.WithComponent("pipeline")
	pipelineLog.Info().Str("task_id", id).Msg("task accepted")

	telelog.Logger.Error().Err(err).Msg("model fetch failed")

# Levels

Debug is for development only; Info is the production default; Warn marks
conditions the system recovers from on its own (unknown device on release,
missing container on stop); Error marks conditions that surface to a caller
or the event stream; Fatal exits the process and should only be used during
startup before any goroutine has been spawned.
*/
package telelog
