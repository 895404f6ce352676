// Package logx configures jobmesh's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Per-service child loggers via With(String("svc", ...))
package logx
