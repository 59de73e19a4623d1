package distributed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	opHello   = "hello"
	opAck     = "ack"
	opBarrier = "barrier"
	opRelease = "release"

	dialBackoffMin = 50 * time.Millisecond
	dialBackoffMax = 2 * time.Second
)

type message struct {
	Op        string `json:"op"`
	Rank      int    `json:"rank,omitempty"`
	WorldSize int    `json:"world_size,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
}

// peer is one framed connection. Messages are newline-delimited JSON.
type peer struct {
	rank int
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(bufio.NewReader(conn))}
}

func (p *peer) send(ctx context.Context, m message) error {
	setDeadline(ctx, p.conn)
	return p.enc.Encode(m)
}

func (p *peer) recv(ctx context.Context, op string) (message, error) {
	setDeadline(ctx, p.conn)
	var m message
	if err := p.dec.Decode(&m); err != nil {
		return m, err
	}
	if m.Op != op {
		return m, fmt.Errorf("expected %q message, got %q", op, m.Op)
	}
	return m, nil
}

func setDeadline(ctx context.Context, conn net.Conn) {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
}

// tcpGroup is the joined group. Rank 0 holds a connection to every other
// rank; every other rank holds one connection to rank 0.
type tcpGroup struct {
	rank  int
	mu    sync.Mutex
	peers []*peer
	done  bool
}

func rendezvous(ctx context.Context, addr string, id Identity, helloTimeout time.Duration, log *logrus.Entry) (*tcpGroup, error) {
	if id.Rank == DesignatedRank {
		return serve(ctx, addr, id, helloTimeout, log)
	}
	return join(ctx, addr, id, log)
}

// serve accepts WorldSize-1 participants and verifies each declared identity.
// A connection that sends no hello within helloTimeout is dropped so it
// cannot hold up the others.
func serve(ctx context.Context, addr string, id Identity, helloTimeout time.Duration, log *logrus.Entry) (*tcpGroup, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	g := &tcpGroup{rank: id.Rank}
	seen := make(map[int]bool)
	reject := func(cause error) error {
		for _, p := range g.peers {
			_ = p.send(ctx, message{Op: opAck, Error: cause.Error()})
		}
		_ = g.Close()
		return cause
	}

	for len(g.peers) < id.WorldSize-1 {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, reject(fmt.Errorf("%w: %d of %d participants connected before deadline",
					ErrWorldSizeMismatch, len(g.peers)+1, id.WorldSize))
			}
			return nil, reject(fmt.Errorf("accept: %w", err))
		}
		p := newPeer(conn)
		hctx, cancel := context.WithTimeout(ctx, helloTimeout)
		hello, err := p.recv(hctx, opHello)
		cancel()
		if err != nil {
			_ = conn.Close()
			if log != nil {
				log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
					Warn("Dropping participant without a valid hello")
			}
			continue
		}
		p.rank = hello.Rank
		g.peers = append(g.peers, p)

		switch {
		case hello.WorldSize != id.WorldSize:
			return nil, reject(fmt.Errorf("%w: rank %d declares world size %d, rank 0 declares %d",
				ErrWorldSizeMismatch, hello.Rank, hello.WorldSize, id.WorldSize))
		case hello.Rank <= DesignatedRank || hello.Rank >= id.WorldSize:
			return nil, reject(fmt.Errorf("%w: rank %d outside world size %d", ErrInvalidIdentity, hello.Rank, id.WorldSize))
		case seen[hello.Rank]:
			return nil, reject(fmt.Errorf("%w: %d", ErrDuplicateRank, hello.Rank))
		}
		seen[hello.Rank] = true
		if log != nil {
			log.Debugf("Rank %d joined (%d/%d)", hello.Rank, len(g.peers)+1, id.WorldSize)
		}
	}

	for _, p := range g.peers {
		if err := p.send(ctx, message{Op: opAck, OK: true}); err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("release rank %d: %w", p.rank, err)
		}
	}
	return g, nil
}

// join dials rank 0 with backoff until the context deadline.
func join(ctx context.Context, addr string, id Identity, log *logrus.Entry) (*tcpGroup, error) {
	var d net.Dialer
	backoff := dialBackoffMin
	var conn net.Conn
	for {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if log != nil {
			log.WithError(err).Debugf("Rendezvous at %s not ready, retrying in %s", addr, backoff)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, errors.Join(ctx.Err(), err))
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, dialBackoffMax)
	}

	p := newPeer(conn)
	p.rank = DesignatedRank
	if err := p.send(ctx, message{Op: opHello, Rank: id.Rank, WorldSize: id.WorldSize}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	ack, err := p.recv(ctx, opAck)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await release: %w", err)
	}
	if !ack.OK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRendezvousRejected, ack.Error)
	}
	return &tcpGroup{rank: id.Rank, peers: []*peer{p}}, nil
}

// Barrier gathers one barrier message from every rank at rank 0, then
// releases them all.
func (g *tcpGroup) Barrier(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return ErrClosed
	}
	if g.rank != DesignatedRank {
		p := g.peers[0]
		if err := p.send(ctx, message{Op: opBarrier, Rank: g.rank}); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
		if _, err := p.recv(ctx, opRelease); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
		return nil
	}
	for _, p := range g.peers {
		if _, err := p.recv(ctx, opBarrier); err != nil {
			return fmt.Errorf("barrier: rank %d: %w", p.rank, err)
		}
	}
	for _, p := range g.peers {
		if err := p.send(ctx, message{Op: opRelease}); err != nil {
			return fmt.Errorf("barrier: release rank %d: %w", p.rank, err)
		}
	}
	return nil
}

func (g *tcpGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil
	}
	g.done = true
	var errs []error
	for _, p := range g.peers {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
