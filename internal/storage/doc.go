package storage

// Package storage provides a minimal persistence layer used by the bot.
//
// It currently supports:
//   - Check log appends (one row per finished catalog check)
//   - Notifier dedup state (to survive restarts)
