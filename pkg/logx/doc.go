// Package logx is the job host's logging layer: a value Logger over zerolog
// whose sinks and level can be swapped while the process runs.
//
// Loggers derived from a Service read its current sink on every call, so a
// config reload reaches components that captured their logger at startup.
// Console output is human-oriented (short timestamp, file:line caller); the
// optional file sink is JSON lines.
package logx
