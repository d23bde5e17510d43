// Package logx provides the bot's structured logging.
//
// It wraps zerolog behind a small Logger facade so components don't depend on
// zerolog directly, and a Service that can re-point sinks (console, file,
// operator Telegram chat) at runtime when the config is hot-reloaded.
package logx
