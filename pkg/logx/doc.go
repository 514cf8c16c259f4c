// Package logx configures ytenhancer's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot paths rate limited (Throttled)
package logx
