// Package tpu implements the low-latency transaction-forwarding path
// WorkerActor prefers before falling back to RPC (spec.md §4.5 step 4):
// fan a signed transaction out over QUIC directly to the current
// slot leaders' TPU ports, bypassing an RPC node entirely.
//
// No example repo in the retrieval pack speaks this validator-to-client
// QUIC protocol, so this package reaches for quic-go, the ecosystem's
// standard QUIC implementation, as a named out-of-pack dependency
// rather than inventing a protocol stub.
package tpu

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"

	"github.com/luxfi/automaton/config"
	automatonlog "github.com/luxfi/automaton/log"
)

// nextProto is the ALPN token the leader's TPU QUIC listener expects.
const nextProto = "solana-tpu"

const dialTimeout = 2 * time.Second

// LeaderSource resolves the current set of slot leaders' TPU QUIC
// addresses, most-imminent first. An outer shell backs this with
// cluster gossip / leader-schedule tracking; this package only consumes
// the result.
type LeaderSource interface {
	CurrentLeaders(ctx context.Context, fanout int) ([]string, error)
}

type leaderConn struct {
	mu   sync.Mutex
	conn *quic.Conn
}

// Client fans a wire transaction out to config.TPUConfig.LeadersFanout
// leaders, each over a single pooled QUIC connection per leader address,
// and satisfies worker.TPUClient. config.TPUConfig.NumConnections is not
// consulted.
type Client struct {
	leaders LeaderSource
	cfg     config.TPUConfig
	logger  automatonlog.Logger

	mu    sync.Mutex
	conns map[string]*leaderConn

	// send defaults to c.sendTo; tests override it to avoid dialing real
	// QUIC endpoints.
	send func(ctx context.Context, addr string, wireTx []byte) error
}

// New builds a Client. leaders supplies the current leader set on every
// Send call, so it stays correct across leader rotation without the
// caller re-wiring anything.
func New(leaders LeaderSource, cfg config.TPUConfig, logger automatonlog.Logger) *Client {
	c := &Client{
		leaders: leaders,
		cfg:     cfg,
		logger:  automatonlog.Component(logger, "tpu"),
		conns:   make(map[string]*leaderConn),
	}
	c.send = c.sendTo
	return c
}

// Send forwards wireTx to every currently fanned-out leader over a
// fresh unidirectional QUIC stream each. It succeeds if at least one
// leader accepted the stream write; the chain's own replication makes a
// single landed forward sufficient.
func (c *Client) Send(ctx context.Context, wireTx []byte) error {
	leaders, err := c.leaders.CurrentLeaders(ctx, c.cfg.LeadersFanout)
	if err != nil {
		return fmt.Errorf("tpu: resolving leaders: %w", err)
	}
	if len(leaders) == 0 {
		return fmt.Errorf("tpu: no leaders available")
	}

	var (
		mu        sync.Mutex
		errsAgg   *multierror.Error
		succeeded bool
		wg        sync.WaitGroup
	)
	for _, addr := range leaders {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := c.send(ctx, addr, wireTx); err != nil {
				mu.Lock()
				errsAgg = multierror.Append(errsAgg, fmt.Errorf("%s: %w", addr, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			succeeded = true
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	if !succeeded {
		return fmt.Errorf("tpu: all leaders failed: %w", errsAgg.ErrorOrNil())
	}
	return nil
}

func (c *Client) sendTo(ctx context.Context, addr string, wireTx []byte) error {
	lc := c.connFor(addr)

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.conn == nil {
		conn, err := c.dial(ctx, addr)
		if err != nil {
			return err
		}
		lc.conn = conn
	}

	stream, err := lc.conn.OpenUniStreamSync(ctx)
	if err != nil {
		c.logger.Debug("tpu stream open failed, redialing", "leader", addr, "error", err.Error())
		conn, derr := c.dial(ctx, addr)
		if derr != nil {
			lc.conn = nil
			return derr
		}
		lc.conn = conn
		stream, err = lc.conn.OpenUniStreamSync(ctx)
		if err != nil {
			return err
		}
	}
	defer stream.Close()

	if _, err := stream.Write(wireTx); err != nil {
		return fmt.Errorf("writing transaction to tpu stream: %w", err)
	}
	return nil
}

func (c *Client) connFor(addr string) *leaderConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.conns[addr]
	if !ok {
		lc = &leaderConn{}
		c.conns[addr] = lc
	}
	return lc
}

func (c *Client) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{nextProto},
	}
	return quic.DialAddr(dialCtx, addr, tlsConf, nil)
}

// Close tears down every pooled leader connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errsAgg *multierror.Error
	for addr, lc := range c.conns {
		lc.mu.Lock()
		if lc.conn != nil {
			if err := lc.conn.CloseWithError(0, "shutting down"); err != nil {
				errsAgg = multierror.Append(errsAgg, fmt.Errorf("%s: %w", addr, err))
			}
		}
		lc.mu.Unlock()
	}
	c.conns = make(map[string]*leaderConn)
	return errsAgg.ErrorOrNil()
}
