// Package logging provides a structured logging system for Nexus, built
// directly on log/slog's text handler.
//
// # Usage
//
//	import "nexus/pkg/logging"
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//	logging.Info("transport", "connected to %s", upstreamName)
//	logging.Error("discoverer", err, "refresh of %q failed", upstreamName)
//
// # Subsystems
//
// Logs are tagged by subsystem for filtering: transport, registry,
// discoverer, vserver, vmanager, management, config, serve.
//
// # Audit events
//
// Audit records lifecycle-sensitive operations (the management API's
// upstream and vMCP create/delete) as a filterable "[AUDIT] ..." line at
// INFO level, via Audit(AuditEvent{...}).
package logging
