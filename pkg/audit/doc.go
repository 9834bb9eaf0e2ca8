// Package audit records who changed which grants and roles.
//
// Events are written through the Logger interface. LogrusLogger emits them as
// structured log entries, DBLogger stores them in the audit_logs table and
// MultiLogger fans out to several sinks, optionally in the background.
//
//	logger := audit.NewMultiLogger(audit.NewLogrusLogger(log), dbLogger)
//	event := audit.NewEvent(ctx, audit.EventTypeSuperAdminGrant, audit.EventStatusSuccess)
//	event.ActorID = audit.Int64(granterID)
//	event.TargetUserID = audit.Int64(granteeID)
//	logger.Log(ctx, event)
package audit
