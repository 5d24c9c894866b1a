// Package scheduler turns persisted schedule entries into live cron triggers.
//
// It only decides when a task fires. Each firing is handed to the executor
// (internal/task/engine), which owns queuing and single-flight execution.
package scheduler
