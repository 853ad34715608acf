// Package logger provides structured logging for condflow using zerolog.
//
// Loggers are scoped with pipeline, run and node fields so that every line
// emitted while executing a run can be correlated:
//
//	log := logger.New(&cfg, "condflow").WithRun("truck-eta", runID)
//	log.WithNode("Train", "step").Info("step started")
package logger
