// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers (component:action:payload)
//   - HTML escaping/formatting for ParseMode="HTML"
package tgui
