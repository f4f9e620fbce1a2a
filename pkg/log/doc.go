// Package log provides spillq's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context, rendered through a
// formatter/outputs pipeline (text or JSON, console by default).
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.WithComponent("queue")
//	l.Info("started", log.Int("workers", 8))
//
// To capture standard-library logging (Pebble uses it), call RedirectStdLog.
package log
