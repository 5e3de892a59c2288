// Package logx configures cadence's structured logging.
//
// Components log through logx.Logger, a thin wrapper on zerolog. Loggers
// handed out by Service follow Service.Apply, so a config reload changes
// level and sinks without re-wiring components. Console output is the
// zerolog console format unless JSON is set; the file sink is JSON lines.
package logx
