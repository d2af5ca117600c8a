/*
Package log provides structured logging for fleetctl using zerolog.

It wraps zerolog to give every component JSON or console output, a
package-level Logger initialized once via Init, and small helpers for
attaching the identifiers most fleetctl log lines care about: a VM name,
a session ID, or a workflow name.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("fleetctl starting")

	vmLog := log.WithVM("vm-builder-03")
	vmLog.Info().Msg("stop requested")

	sessLog := log.WithSession(sessionID)
	sessLog.Error().Err(err).Msg("session transition rejected")

# Log levels

Debug is for verbose troubleshooting output not suitable for production;
Info is the default production level; Warn flags recoverable anomalies
(a reconnect cleanup callback that panicked, a corrupt state file treated
as absent); Error records an operation that failed; Fatal logs and exits
the process, reserved for startup failures the CLI cannot recover from.

# Security

Never log secrets. The audit package (pkg/audit) is the durable,
tamper-evident record for security-relevant actions; this package is for
operational visibility only and should never carry key material, tokens,
or full command output likely to contain them — see pkg/diff's
sanitization pass for the redaction rules applied before any remote
output is shown to a user or written to a log line.
*/
package log
