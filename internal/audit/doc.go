// Package audit records operator activity and server run history.
//
// [Auditor] writes [database.AuditLog] rows for logins, console sessions and
// built-in commands, and supports filtered, paginated queries. Entries older
// than the retention period are purged by [Scheduler] once a day.
//
// [RunRecorder] observes the supervisor and keeps one [database.ServerRun]
// row per server lifetime.
package audit
