// Package natsbridge mirrors selected bus events onto NATS subjects so
// other systems can follow alerts without talking to the bot.
//
// An event of type "monitor.alert" is published as JSON on
// "<prefix>.monitor.alert" with its time in the Event-Time header.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"forgewatch/internal/eventbus"
	"forgewatch/internal/supervisor"
	logx "forgewatch/pkg/logx"
)

const (
	HeaderEventTime = "Event-Time"
	HeaderEventType = "Event-Type"

	defaultPrefix = "forgewatch"
)

type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	CredsFile     string
	ReconnectWait time.Duration
	// Types lists event type prefixes to forward. Empty means "monitor.".
	Types []string
}

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

type Bridge struct {
	log logx.Logger
	bus eventbus.Bus
	cfg Config

	mu    sync.Mutex
	nc    *nats.Conn
	sup   *supervisor.Supervisor
	unsub func()
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.SubjectPrefix) == "" {
		cfg.SubjectPrefix = defaultPrefix
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "forgewatch"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []string{"monitor."}
	}
	return &Bridge{log: log, bus: bus, cfg: cfg}
}

func (b *Bridge) Config() Config { return b.cfg }

// Start connects and begins forwarding. The initial connect does not have
// to succeed: the client keeps retrying in the background and buffers
// publishes meanwhile.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.log.Warn("nats async error", logx.Err(err))
		}),
	}
	if b.cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(b.cfg.CredsFile))
	}
	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	ch, unsub := b.bus.Subscribe(256)
	sup := supervisor.New(ctx, supervisor.WithLogger(b.log), supervisor.WithCancelOnError(false))
	sup.Go0("natsbridge.forward", func(c context.Context) {
		forwardLoop(c, ch, nc, b.cfg, b.log)
	})

	b.nc, b.sup, b.unsub = nc, sup, unsub
	b.log.Info("nats bridge started", logx.String("url", b.cfg.URL), logx.String("prefix", b.cfg.SubjectPrefix))
	return nil
}

// Stop ends forwarding and drains the connection.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	nc, sup, unsub := b.nc, b.sup, b.unsub
	b.nc, b.sup, b.unsub = nil, nil, nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}

	unsub()
	sup.Cancel()
	err := sup.Wait(ctx)
	if nc != nil {
		if derr := nc.Drain(); derr != nil && !errors.Is(derr, nats.ErrConnectionClosed) {
			err = errors.Join(err, derr)
		}
	}
	b.log.Info("nats bridge stopped")
	return err
}

func forwardLoop(ctx context.Context, ch <-chan eventbus.Event, pub Publisher, cfg Config, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !wanted(cfg.Types, e.Type) {
				continue
			}
			m, err := message(cfg.SubjectPrefix, e)
			if err != nil {
				log.Warn("event not encodable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if err := pub.PublishMsg(m); err != nil {
				log.Warn("nats publish failed", logx.String("subject", m.Subject), logx.Err(err))
			}
		}
	}
}

func wanted(prefixes []string, typ string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

func message(prefix string, e eventbus.Event) (*nats.Msg, error) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	h := nats.Header{}
	h.Set(HeaderEventTime, e.Time.UTC().Format(time.RFC3339Nano))
	h.Set(HeaderEventType, e.Type)
	return &nats.Msg{Subject: subject(prefix, e.Type), Data: data, Header: h}, nil
}

// subject joins prefix and event type. Characters NATS treats specially
// inside a token are replaced so an event type can never widen a subject.
func subject(prefix, typ string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.Trim(typ, "."))
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return clean
	}
	return prefix + "." + clean
}
