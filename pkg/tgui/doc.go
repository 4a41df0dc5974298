// Package tgui provides small helpers for Telegram messages sent with
// ParseMode="HTML": an escaped-HTML string type with tag builders, user
// mentions and plain-text helpers for previews.
package tgui
