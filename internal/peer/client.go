// Package peer is the outbound side of the node transport.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/guonaihong/gout"
	"github.com/wx-shi/ringledger/internal/config"
	"github.com/wx-shi/ringledger/internal/model"
	"go.uber.org/zap"
)

// routes served by every node
const (
	PathTransaction = "/transaction"
	PathBlock       = "/block"
	PathRing        = "/ring"
	PathJoin        = "/join"
	PathSettings    = "/settings"
	PathTransfer    = "/transfer"
	PathChain       = "/chain"
	PathStatus      = "/status"
	PathBlocks      = "/blocks"

	retryDelay = 200 * time.Millisecond

	// messages waiting per peer before new ones are dropped
	queueSize = 256
)

// Reply is the envelope of every node response.
type Reply struct {
	Code int             `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}

// StatusError is a response the peer rejected; it is not retried.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer replied %d: %s", e.Code, e.Msg)
}

// Client delivers messages to ring members. Every peer gets one worker
// draining a buffered queue, so deliveries to a peer keep their order and a
// slow peer never holds up the caller or the other peers.
type Client struct {
	conf   *config.PeerConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan outbound
}

type outbound struct {
	path string
	body json.RawMessage
}

func NewClient(conf *config.PeerConfig, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conf:   conf,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]chan outbound),
	}
}

// Close stops every delivery worker. Messages still queued are dropped.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func URL(address string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", address, port, path)
}

func (c *Client) do(ctx context.Context, method, url string, body, data interface{}) error {
	return retry.Do(func() error {
		reply := &Reply{}
		code := 0

		var df = gout.POST(url)
		if method == http.MethodGet {
			df = gout.GET(url)
		}
		df = df.WithContext(ctx).SetTimeout(c.conf.Timeout)
		if body != nil {
			df = df.SetJSON(body)
		}
		if err := df.BindJSON(reply).Code(&code).Do(); err != nil {
			return err
		}
		if code != http.StatusOK {
			return &StatusError{Code: code, Msg: reply.Msg}
		}
		if data != nil {
			return json.Unmarshal(reply.Data, data)
		}
		return nil
	},
		retry.Attempts(c.conf.Attempts),
		retry.Delay(retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			return !errors.As(err, &se) || se.Code >= http.StatusInternalServerError
		}),
	)
}

// queue returns the outbound queue of the peer at base, starting its worker
// on first use.
func (c *Client) queue(base string) chan outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[base]
	if !ok {
		q = make(chan outbound, queueSize)
		c.queues[base] = q
		c.wg.Add(1)
		go c.deliver(base, q)
	}
	return q
}

func (c *Client) deliver(base string, q chan outbound) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-q:
			start := time.Now()
			if err := c.do(c.ctx, http.MethodPost, base+m.path, []byte(m.body), nil); err != nil {
				c.logger.Warn("Peer::Deliver", zap.String("peer", base), zap.String("path", m.path), zap.Error(err))
				continue
			}
			c.logger.Debug("Peer::Deliver", zap.String("peer", base), zap.String("path", m.path), zap.Duration("ttl", time.Since(start)))
		}
	}
}

// send queues an already encoded body for p and returns at once.
func (c *Client) send(p model.Peer, path string, body json.RawMessage) error {
	base := URL(p.Address, p.Port, "")
	select {
	case c.queue(base) <- outbound{path: path, body: body}:
		return nil
	default:
		return fmt.Errorf("outbound queue of node %s (%s) is full", p.NodeID, base)
	}
}

// broadcast queues body for every peer. Failures are logged per peer and do
// not affect the others.
func (c *Client) broadcast(peers []model.Peer, path string, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("Peer::Broadcast", zap.String("path", path), zap.Error(err))
		return
	}
	for _, p := range peers {
		if err := c.send(p, path, raw); err != nil {
			c.logger.Warn("Peer::Broadcast", zap.String("path", path), zap.Error(err))
		}
	}
}

func (c *Client) BroadcastTransaction(_ context.Context, peers []model.Peer, tx *model.Transaction) {
	c.broadcast(peers, PathTransaction, tx)
}

func (c *Client) BroadcastBlock(_ context.Context, peers []model.Peer, b *model.Block) {
	c.broadcast(peers, PathBlock, b)
}

func (c *Client) BroadcastRing(_ context.Context, peers []model.Peer, u *model.RingUpdate) {
	c.broadcast(peers, PathRing, u)
}

// RequestChain fetches the signed chain of p.
func (c *Client) RequestChain(ctx context.Context, p model.Peer) (*model.ChainSnapshot, error) {
	s := &model.ChainSnapshot{}
	if err := c.do(ctx, http.MethodGet, URL(p.Address, p.Port, PathChain), nil, s); err != nil {
		return nil, err
	}
	return s, nil
}

// NotifyPeerJoined queues the ledger settings for a newly registered node
// ahead of anything else sent to it.
func (c *Client) NotifyPeerJoined(_ context.Context, p model.Peer, s *model.InitSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.send(p, PathSettings, raw)
}

// Join announces this node to the bootstrap node.
func (c *Client) Join(ctx context.Context, bootstrapURL string, j *model.NodeJoined) error {
	return c.do(ctx, http.MethodPost, bootstrapURL+PathJoin, j, nil)
}
