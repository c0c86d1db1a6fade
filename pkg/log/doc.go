/*
Package log provides structured logging via zerolog: a global logger
initialized once at process start, plus helpers for attaching the
component/instance/replicaset context every log line in this codebase
carries.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("instance started")

	govLog := log.WithComponent("governor")
	govLog.Info().Str("instance", "n1").Msg("promoted replicaset master")

	instLog := log.WithInstanceID("n1")
	instLog.Warn().Msg("raft heartbeat missed")

# Levels

Debug is for development tracing, Info is the default production level,
Warn flags conditions worth a human glance, Error marks a failed
operation, and Fatal logs then calls os.Exit(1) — reserved for startup
failures the process cannot recover from.

# Notes

Never log a join token, a system-user password, or any other catalog
secret value. Use structured fields (.Str, .Int, .Err) rather than
string interpolation so log lines stay machine-parseable.
*/
package log
