// Package logx is the structured logging layer used across coursebot.
//
// It wraps zerolog behind a small Logger value whose sinks (console, file,
// Telegram) can be swapped at runtime by the owning Service, so config hot
// reloads take effect without re-plumbing loggers through the app.
package logx
