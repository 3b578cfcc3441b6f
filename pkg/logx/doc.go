// Package logx configures arvcare's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional ops-chat sink (min-level + rate limiting) so failing reminder
//     runs reach clinic staff without anyone tailing the logs
package logx
