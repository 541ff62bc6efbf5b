// Package logx configures tgrelay's structured logging.
//
// A small wrapper (logx.Logger) sits on top of zerolog and keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limiting) for operators
package logx
