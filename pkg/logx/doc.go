// Package logx configures cloudspeed's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one event per line
//   - Library loggers (pion TURN client) routed through the same sinks
package logx
