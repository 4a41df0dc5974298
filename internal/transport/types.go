// Package transport holds the chat-platform neutral types shared by the
// adapter, the command router and the notifier.
package transport

import "context"

type Update struct {
	Message *Message
}

// Sender is who wrote a message. The name fields feed the identity learner.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// FullName joins first and last name with a single space.
func (s Sender) FullName() string {
	switch {
	case s.FirstName == "":
		return s.LastName
	case s.LastName == "":
		return s.FirstName
	default:
		return s.FirstName + " " + s.LastName
	}
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
	From     Sender
	Text     string
	IsGroup  bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // dedup scope; empty disables dedup
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is a single command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu to the platform.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
