// Package logger builds the zap logger shared by every component and the
// per-job child loggers that tag entries with the job id, language and user.
//
// Usage:
//
//	log, level, err := logger.NewWithLevel("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	logger.ForJob(log, id, "python", user).Info("job started")
//	level.SetLevel(zap.DebugLevel)
package logger
