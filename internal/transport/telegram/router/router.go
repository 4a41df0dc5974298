// Package router turns chat messages into command invocations.
//
// A message whose first token starts with "/" or "!" is looked up by name
// or alias ("/red@forgewatch_bot" and "!red" both reach "red"). Matching
// commands run on a bounded worker pool behind recover, logging, audit and
// timeout middleware. Every message, command or not, is first offered to
// the sender observer.
package router

import (
	"context"
	"html"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"forgewatch/internal/supervisor"
	"forgewatch/internal/transport"
	logx "forgewatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // 0 = router default
	Handle      HandlerFunc
}

type Request struct {
	Chat    transport.ChatTarget
	From    transport.Sender
	Command string
	Args    []string // quote-aware tokens after the command word
	RawArgs string   // text after the command word, untouched
	ReqID   string
	Logger  logx.Logger

	adapter transport.Adapter
}

// Reply sends HTML text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Auditor records executed commands.
type Auditor interface {
	Audit(ctx context.Context, req *Request, err error, took time.Duration)
}

// Options configure a Router. Zero values fall back to 4 workers and a
// 30s command timeout.
type Options struct {
	Workers        int
	CommandTimeout time.Duration
	Owners         []int64
}

type Router struct {
	log     logx.Logger
	adapter transport.Adapter

	mu       sync.RWMutex
	owners   []int64
	byName   map[string]*Command
	commands []Command
	botName  string
	observe  func(ctx context.Context, from transport.Sender)
	auditor  Auditor
	timeout  time.Duration
	workers  int

	runMu sync.Mutex
	sup   *supervisor.Supervisor
	jobs  chan func(ctx context.Context)
}

func New(log logx.Logger, adapter transport.Adapter, opt Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:     log,
		adapter: adapter,
		byName:  map[string]*Command{},
		jobs:    make(chan func(ctx context.Context), 256),
	}
	r.Apply(opt)
	return r
}

// Apply updates owners, timeout and (for the next Dispatch) worker count.
func (r *Router) Apply(opt Options) {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.CommandTimeout <= 0 {
		opt.CommandTimeout = 30 * time.Second
	}
	r.mu.Lock()
	r.owners = append([]int64(nil), opt.Owners...)
	r.timeout = opt.CommandTimeout
	r.workers = opt.Workers
	r.mu.Unlock()
}

// SetBotUsername lets "/cmd@name" match only when addressed to this bot.
func (r *Router) SetBotUsername(name string) {
	r.mu.Lock()
	r.botName = strings.TrimPrefix(strings.TrimSpace(name), "@")
	r.mu.Unlock()
}

// SetObserver installs fn, called for every message with a sender.
func (r *Router) SetObserver(fn func(ctx context.Context, from transport.Sender)) {
	r.mu.Lock()
	r.observe = fn
	r.mu.Unlock()
}

func (r *Router) SetAuditor(a Auditor) {
	r.mu.Lock()
	r.auditor = a
	r.mu.Unlock()
}

// SetCommands replaces the command set. "help" is always added. The
// platform menu is refreshed in the background when the adapter supports it.
func (r *Router) SetCommands(ctx context.Context, cmds []Command) {
	all := make([]Command, 0, len(cmds)+1)
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		all = append(all, c)
	}
	all = append(all, Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(r.isOwner(req.From.ID)))
		},
	})

	byName := make(map[string]*Command, len(all)*2)
	for i := range all {
		c := &all[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
	}

	r.mu.Lock()
	r.commands = all
	r.byName = byName
	r.mu.Unlock()

	if up, ok := r.adapter.(transport.CommandMenuUpdater); ok {
		menu := menuCommands(all)
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// Supervisor is nil unless Dispatch is running.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Dispatch routes updates until ctx is done or updates is closed, then
// gives queued commands up to 3s to finish.
func (r *Router) Dispatch(ctx context.Context, updates <-chan transport.Update) error {
	r.mu.RLock()
	workers := r.workers
	r.mu.RUnlock()

	sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
	r.runMu.Lock()
	r.sup = sup
	jobs := r.jobs
	r.runMu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					r.runJob(c, idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message != nil {
				r.route(ctx, up.Message)
			}
		}
	}
}

func (r *Router) runJob(ctx context.Context, worker int, job func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (r *Router) route(ctx context.Context, msg *transport.Message) {
	r.mu.RLock()
	observe := r.observe
	botName := r.botName
	r.mu.RUnlock()

	if observe != nil && msg.From.ID != 0 {
		observe(ctx, msg.From)
	}

	word, rest, ok := parseCommandWord(msg.Text, botName)
	if !ok {
		return
	}
	r.mu.RLock()
	cmd, found := r.byName[word]
	r.mu.RUnlock()

	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !found {
		// Unknown "!" words are common chatter in groups; only "/" gets a hint.
		if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
			_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.From.ID) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Chat:    chat,
		From:    msg.From,
		Command: cmd.Name,
		Args:    tokenizeCommandLine(rest),
		RawArgs: rest,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.From.ID),
			logx.String("cmd", cmd.Name),
		),
		adapter: r.adapter,
	}

	r.mu.RLock()
	timeout := r.timeout
	auditor := r.auditor
	r.mu.RUnlock()
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWAudit(auditor),
		MWTimeout(timeout),
	)
	job := func(c context.Context) {
		if err := final(c, req); err != nil {
			_ = req.Reply(c, "⚠️ "+html.EscapeString(err.Error()))
		}
	}
	select {
	case r.jobs <- job:
	default:
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}
