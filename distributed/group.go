package distributed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProcessGroup is the set of collectives training needs. Every rank must
// issue the same collectives in the same order.
type ProcessGroup interface {
	Rank() int
	WorldSize() int
	// AllReduceMean replaces data on every rank with the element-wise mean.
	AllReduceMean(ctx context.Context, data []float32) error
	// Broadcast copies rank 0's data to every other rank.
	Broadcast(ctx context.Context, data []float32) error
	Barrier(ctx context.Context) error
	Close() error
}

// LocalGroup is the single-process group: every collective is a no-op.
type LocalGroup struct{}

func (LocalGroup) Rank() int                                      { return 0 }
func (LocalGroup) WorldSize() int                                 { return 1 }
func (LocalGroup) AllReduceMean(context.Context, []float32) error { return nil }
func (LocalGroup) Broadcast(context.Context, []float32) error     { return nil }
func (LocalGroup) Barrier(context.Context) error                  { return nil }
func (LocalGroup) Close() error                                   { return nil }

type peer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeer(rank int, conn net.Conn) *peer {
	return &peer{rank: rank, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// TCPGroup is a star: rank 0 accepts one connection per peer and performs
// every reduction; the other ranks only talk to rank 0.
type TCPGroup struct {
	rank  int
	world int

	mu    sync.Mutex
	seq   uint64
	peers []*peer // rank 0 only, indexed by rank; peers[0] is nil
	hub   *peer   // ranks > 0 only

	logger *zap.Logger
}

// Init joins the process group described by env. A world of one returns a
// LocalGroup. Peers keep dialing until ctx is done, so start order does not
// matter.
func Init(ctx context.Context, env Env, logger *zap.Logger) (ProcessGroup, error) {
	if env.WorldSize <= 1 {
		return LocalGroup{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &TCPGroup{rank: env.Rank, world: env.WorldSize, logger: logger}
	var err error
	if env.Rank == 0 {
		err = g.accept(ctx, env.Addr())
	} else {
		err = g.dial(ctx, env.Addr())
	}
	if err != nil {
		g.Close()
		return nil, err
	}
	logger.Info("process group ready", zap.Int("rank", g.rank), zap.Int("world_size", g.world))
	return g, nil
}

func (g *TCPGroup) accept(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rendezvous listen on %s: %w", addr, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	g.peers = make([]*peer, g.world)
	for joined := 1; joined < g.world; {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("rendezvous: %d of %d ranks joined: %w", joined, g.world, ctx.Err())
			}
			return fmt.Errorf("rendezvous accept: %w", err)
		}
		p := newPeer(-1, conn)
		hello, err := g.roundTrip(ctx, p, frame{op: opHello, rank: 0}, true)
		if err != nil {
			conn.Close()
			return fmt.Errorf("rendezvous handshake: %w", err)
		}
		r := hello.rank
		if r <= 0 || r >= g.world || g.peers[r] != nil {
			conn.Close()
			return fmt.Errorf("rendezvous: unexpected rank %d", r)
		}
		p.rank = r
		g.peers[r] = p
		joined++
		g.logger.Debug("rank joined", zap.Int("peer", r))
	}
	return nil
}

// roundTrip performs the hello exchange. The accepting side reads first.
func (g *TCPGroup) roundTrip(ctx context.Context, p *peer, out frame, readFirst bool) (frame, error) {
	var in frame
	err := withDeadline(ctx, []*peer{p}, func() error {
		var err error
		if readFirst {
			if in, err = readFrame(p.r); err != nil {
				return err
			}
			return writeFrame(p.w, out)
		}
		if err = writeFrame(p.w, out); err != nil {
			return err
		}
		in, err = readFrame(p.r)
		return err
	})
	if err == nil && in.op != opHello {
		err = fmt.Errorf("expected hello, got %s", in.op)
	}
	return in, err
}

func (g *TCPGroup) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			g.hub = newPeer(0, conn)
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rendezvous dial %s: %w", addr, errors.Join(ctx.Err(), err))
		case <-time.After(100 * time.Millisecond):
		}
	}
	_, err := g.roundTrip(ctx, g.hub, frame{op: opHello, rank: g.rank}, false)
	if err != nil {
		return fmt.Errorf("rendezvous handshake: %w", err)
	}
	return nil
}

// withDeadline runs fn with the connections' deadlines tied to ctx.
func withDeadline(ctx context.Context, peers []*peer, fn func() error) error {
	deadline, hasDeadline := ctx.Deadline()
	for _, p := range peers {
		if p == nil {
			continue
		}
		if hasDeadline {
			p.conn.SetDeadline(deadline)
		} else {
			p.conn.SetDeadline(time.Time{})
		}
	}
	stop := context.AfterFunc(ctx, func() {
		for _, p := range peers {
			if p != nil {
				p.conn.SetDeadline(time.Unix(1, 0))
			}
		}
	})
	defer stop()
	err := fn()
	if err != nil && ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

func (g *TCPGroup) Rank() int      { return g.rank }
func (g *TCPGroup) WorldSize() int { return g.world }

func (g *TCPGroup) AllReduceMean(ctx context.Context, data []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.rank != 0 {
		return g.exchange(ctx, opAllReduce, data, data)
	}
	parts, err := g.gather(ctx, opAllReduce, len(data))
	if err != nil {
		return err
	}
	scale := 1 / float32(g.world)
	for i := range data {
		sum := data[i]
		for _, p := range parts {
			sum += p[i]
		}
		data[i] = sum * scale
	}
	return g.scatter(ctx, opAllReduce, data)
}

func (g *TCPGroup) Broadcast(ctx context.Context, data []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.rank != 0 {
		return g.exchange(ctx, opBroadcast, nil, data)
	}
	return g.scatter(ctx, opBroadcast, data)
}

func (g *TCPGroup) Barrier(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.rank != 0 {
		return g.exchange(ctx, opBarrier, []float32{}, []float32{})
	}
	if _, err := g.gather(ctx, opBarrier, 0); err != nil {
		return err
	}
	return g.scatter(ctx, opBarrier, nil)
}

// exchange is the peer side of a collective: send (unless send is nil, as
// for broadcast) then receive the hub's answer into recv.
func (g *TCPGroup) exchange(ctx context.Context, op opCode, send, recv []float32) error {
	return withDeadline(ctx, []*peer{g.hub}, func() error {
		if send != nil {
			if err := writeFrame(g.hub.w, frame{op: op, seq: g.seq, rank: g.rank, payload: send}); err != nil {
				return fmt.Errorf("%s send: %w", op, err)
			}
		}
		in, err := readFrame(g.hub.r)
		if err != nil {
			return fmt.Errorf("%s receive: %w", op, err)
		}
		if err := check(in, op, g.seq, len(recv)); err != nil {
			return err
		}
		copy(recv, in.payload)
		return nil
	})
}

// gather reads one frame from every peer concurrently.
func (g *TCPGroup) gather(ctx context.Context, op opCode, n int) ([][]float32, error) {
	parts := make([][]float32, g.world-1)
	err := withDeadline(ctx, g.peers, func() error {
		var eg errgroup.Group
		for r := 1; r < g.world; r++ {
			p := g.peers[r]
			eg.Go(func() error {
				in, err := readFrame(p.r)
				if err != nil {
					return fmt.Errorf("%s from rank %d: %w", op, p.rank, err)
				}
				if err := check(in, op, g.seq, n); err != nil {
					return fmt.Errorf("rank %d: %w", p.rank, err)
				}
				parts[r-1] = in.payload
				return nil
			})
		}
		return eg.Wait()
	})
	return parts, err
}

func (g *TCPGroup) scatter(ctx context.Context, op opCode, data []float32) error {
	return withDeadline(ctx, g.peers, func() error {
		var eg errgroup.Group
		for r := 1; r < g.world; r++ {
			p := g.peers[r]
			eg.Go(func() error {
				if err := writeFrame(p.w, frame{op: op, seq: g.seq, rank: 0, payload: data}); err != nil {
					return fmt.Errorf("%s to rank %d: %w", op, p.rank, err)
				}
				return nil
			})
		}
		return eg.Wait()
	})
}

func check(in frame, op opCode, seq uint64, n int) error {
	if in.op != op || in.seq != seq {
		return fmt.Errorf("out of step: got %s #%d, want %s #%d", in.op, in.seq, op, seq)
	}
	if len(in.payload) != n {
		return fmt.Errorf("%s: got %d values, want %d", op, len(in.payload), n)
	}
	return nil
}

// Close closes every connection.
func (g *TCPGroup) Close() error {
	var errs []error
	if g.hub != nil {
		errs = append(errs, g.hub.conn.Close())
	}
	for _, p := range g.peers {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	return errors.Join(errs...)
}
