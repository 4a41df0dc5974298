// Package nodeapi reads delegate counters from a node's HTTP API.
package nodeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"forgewatch/internal/delegate"
	logx "forgewatch/pkg/logx"
)

var ErrNoNodes = errors.New("nodeapi: no nodes configured")

const (
	defaultLimit   = 101
	defaultTimeout = 8 * time.Second
	maxBody        = 4 << 20
)

type Config struct {
	Node        string
	BackupNodes []string
	Timeout     time.Duration // per node attempt
	RatePerSec  float64       // 0 = unlimited
	Limit       int           // delegates per request
}

// Delegate is one row of the delegates listing.
type Delegate struct {
	Username     string
	Address      string
	PublicKey    string
	Rank         int
	Vote         string
	Missed       int64
	Produced     int64
	Approval     float64
	Productivity float64

	// Err is set when the row could not be read; its counters are zero.
	Err error
}

// Result is a delegates listing and the node that served it.
type Result struct {
	Node      string
	Delegates []Delegate
}

// Snapshots returns the counters in listing order. Entries are passed
// through unfiltered, unreadable rows included; delegate.Validate decides
// what is usable.
func (r Result) Snapshots() []delegate.Snapshot {
	out := make([]delegate.Snapshot, 0, len(r.Delegates))
	for _, d := range r.Delegates {
		out = append(out, delegate.Snapshot{
			Name:             d.Username,
			LifetimeMissed:   d.Missed,
			LifetimeProduced: d.Produced,
			Err:              d.Err,
		})
	}
	return out
}

// NodeHeight is one node's reported block height.
type NodeHeight struct {
	Node   string
	Height int64
	Err    error
}

type Client struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		log: log,
		http: &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}},
	}
	c.Apply(cfg)
	return c
}

// Apply swaps nodes, timeout and rate limit. In-flight requests finish
// with the old settings.
func (c *Client) Apply(cfg Config) {
	cfg.Node = normalizeNode(cfg.Node)
	backups := make([]string, 0, len(cfg.BackupNodes))
	for _, n := range cfg.BackupNodes {
		if n = normalizeNode(n); n != "" && n != cfg.Node {
			backups = append(backups, n)
		}
	}
	cfg.BackupNodes = backups
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.limiter = lim
	c.mu.Unlock()
}

func (c *Client) snapshot() (Config, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.limiter
}

// Nodes lists the primary node followed by the backups.
func (c *Client) Nodes() []string {
	cfg, _ := c.snapshot()
	return nodesOf(cfg)
}

func nodesOf(cfg Config) []string {
	out := make([]string, 0, 1+len(cfg.BackupNodes))
	if cfg.Node != "" {
		out = append(out, cfg.Node)
	}
	return append(out, cfg.BackupNodes...)
}

// Delegates fetches the top delegates by vote, trying the primary node
// first and then each backup in order.
func (c *Client) Delegates(ctx context.Context) (Result, error) {
	cfg, lim := c.snapshot()
	nodes := nodesOf(cfg)
	if len(nodes) == 0 {
		return Result{}, ErrNoNodes
	}

	q := url.Values{}
	q.Set("orderBy", "vote")
	q.Set("limit", strconv.Itoa(cfg.Limit))

	var errs []error
	for _, node := range nodes {
		var body delegatesResponse
		err := c.get(ctx, lim, cfg.Timeout, node, "/api/delegates?"+q.Encode(), &body)
		if err == nil {
			err = body.err()
		}
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			c.log.Warn("node request failed", logx.String("node", node), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", node, err))
			continue
		}
		return Result{Node: node, Delegates: body.delegates()}, nil
	}
	return Result{}, fmt.Errorf("all nodes failed: %w", errors.Join(errs...))
}

// Heights asks every configured node for its block height. Failures are
// reported per node.
func (c *Client) Heights(ctx context.Context) []NodeHeight {
	cfg, lim := c.snapshot()
	nodes := nodesOf(cfg)
	out := make([]NodeHeight, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			var body heightResponse
			err := c.get(ctx, lim, cfg.Timeout, node, "/api/blocks/getHeight", &body)
			if err == nil && body.Success != nil && !*body.Success {
				err = apiError(body.Error)
			}
			out[i] = NodeHeight{Node: node, Height: int64(body.Height), Err: err}
		}(i, node)
	}
	wg.Wait()
	return out
}

func (c *Client) get(ctx context.Context, lim *rate.Limiter, timeout time.Duration, node, path string, out any) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, node+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	c.log.Debug("node request ok", logx.String("node", node), logx.String("path", path),
		logx.Duration("took", time.Since(start)))
	return nil
}

func normalizeNode(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if s != "" && !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return s
}

func apiError(msg string) error {
	if msg = strings.TrimSpace(msg); msg == "" {
		msg = "unsuccessful response"
	}
	return fmt.Errorf("node error: %s", msg)
}
