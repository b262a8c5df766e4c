// Package logx is plugd's structured logging layer on top of zerolog.
//
// Console output is human readable by default and may be switched to JSON
// for journald. The optional file sink always writes JSON. Loggers derived
// from a Service follow its level and sinks across Apply calls, so a
// config reload takes effect without rebuilding components.
package logx
