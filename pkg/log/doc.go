/*
Package log provides structured logging for Loom using zerolog.

The package wraps zerolog behind a small surface: Init configures the global
logger (level, JSON or console output), WithComponent and the WithTenant /
WithService / WithAttempt / WithBuild helpers derive child loggers carrying the
standard correlation fields, and the package-level Info/Debug/Warn/Error
helpers cover one-off messages.

Every control-plane subsystem logs through a component logger:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("service_id", svc.ID).Msg("attempt committed")
*/
package log
