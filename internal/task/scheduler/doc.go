// Package scheduler runs the host's periodic maintenance jobs on cron or
// fixed-interval schedules.
//
// Jobs run on the cron goroutine pool; a job still running when its next
// trigger fires is skipped.
package scheduler
