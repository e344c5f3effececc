// Package logx configures tradefleet's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink on the event bus (min-level + rate limiting),
//     so warn+ records reach operators without a direct transport dependency
package logx
