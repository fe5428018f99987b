// Package distributed coordinates the multi-process training group: rank
// assignment, run-id broadcast, the per-epoch barrier and mean gradient
// reduction.
//
// The group is SPMD: every process issues the same collectives in the same
// order, so the coordinator runs them in lockstep. Rank 0 acts as the
// rendezvous point; for each collective it reads one frame from every peer,
// combines, and fans the result back out. Any error on a collective is fatal
// for the whole job: recovery is a full restart from the last snapshot.
package distributed

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// Environment variables, following the convention of common launchers.
const (
	EnvWorldSize  = "WORLD_SIZE"
	EnvRank       = "RANK"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

const connectTimeout = 2 * time.Minute

type frame struct {
	Op   string
	Seq  uint64
	Rank int
	Vec  []float32
	Str  string
}

type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// Coordinator is the process-scoped handle on the training group. With a
// world size of one every collective is a no-op, so single-process runs use
// the same code path.
type Coordinator struct {
	rank  int
	world int
	seq   uint64
	log   *slog.Logger

	listener net.Listener
	peers    []*peer // rank 0: indexed by rank-1
	upstream *peer   // rank > 0: connection to rank 0
}

// InitFromEnv builds the coordinator from WORLD_SIZE/RANK/MASTER_ADDR/
// MASTER_PORT. Absent variables mean a single-process run.
func InitFromEnv(log *slog.Logger) (*Coordinator, error) {
	world := envInt(EnvWorldSize, 1)
	rank := envInt(EnvRank, 0)
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("invalid process group: world size %d, rank %d", world, rank)
	}
	c := &Coordinator{rank: rank, world: world, log: log}
	if world == 1 {
		return c, nil
	}

	addr := os.Getenv(EnvMasterAddr)
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := envInt(EnvMasterPort, 29500)
	hostport := net.JoinHostPort(addr, strconv.Itoa(port))

	if rank == 0 {
		if err := c.listen(hostport); err != nil {
			return nil, err
		}
	} else {
		if err := c.connect(hostport); err != nil {
			return nil, err
		}
	}
	log.Info("process group initialized", "rank", rank, "world_size", world)
	return c, nil
}

func (c *Coordinator) listen(hostport string) error {
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return fmt.Errorf("rendezvous listen on %s: %w", hostport, err)
	}
	c.listener = ln
	c.peers = make([]*peer, c.world-1)
	for i := 0; i < c.world-1; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("rendezvous accept: %w", err)
		}
		p := &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
		var hello frame
		if err := p.dec.Decode(&hello); err != nil {
			return fmt.Errorf("rendezvous handshake: %w", err)
		}
		if hello.Op != "hello" || hello.Rank < 1 || hello.Rank >= c.world {
			return fmt.Errorf("rendezvous handshake: unexpected frame op=%q rank=%d", hello.Op, hello.Rank)
		}
		if c.peers[hello.Rank-1] != nil {
			return fmt.Errorf("rendezvous handshake: duplicate rank %d", hello.Rank)
		}
		c.peers[hello.Rank-1] = p
	}
	return nil
}

func (c *Coordinator) connect(hostport string) error {
	deadline := time.Now().Add(connectTimeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", hostport, 5*time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connect to coordinator %s: %w", hostport, err)
		}
		time.Sleep(time.Second)
	}
	c.upstream = &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
	if err := c.upstream.enc.Encode(frame{Op: "hello", Rank: c.rank}); err != nil {
		return fmt.Errorf("rendezvous handshake: %w", err)
	}
	return nil
}

func (c *Coordinator) Rank() int        { return c.rank }
func (c *Coordinator) WorldSize() int   { return c.world }
func (c *Coordinator) IsMain() bool     { return c.rank == 0 }
func (c *Coordinator) Distributed() bool { return c.world > 1 }

// collective runs one lockstep round. combine folds peer frames into the
// local frame on rank 0; the combined frame is the result everywhere.
func (c *Coordinator) collective(local frame, combine func(acc *frame, in frame) error) (frame, error) {
	if c.world == 1 {
		return local, nil
	}
	c.seq++
	local.Seq = c.seq
	local.Rank = c.rank

	if c.rank != 0 {
		if err := c.upstream.enc.Encode(local); err != nil {
			return frame{}, fmt.Errorf("%s: send: %w", local.Op, err)
		}
		var result frame
		if err := c.upstream.dec.Decode(&result); err != nil {
			return frame{}, fmt.Errorf("%s: receive: %w", local.Op, err)
		}
		if result.Op != local.Op || result.Seq != local.Seq {
			return frame{}, fmt.Errorf("%s: desynchronized group (got op=%q seq=%d, want seq=%d)", local.Op, result.Op, result.Seq, local.Seq)
		}
		return result, nil
	}

	acc := local
	for _, p := range c.peers {
		var in frame
		if err := p.dec.Decode(&in); err != nil {
			return frame{}, fmt.Errorf("%s: collect: %w", local.Op, err)
		}
		if in.Op != local.Op || in.Seq != local.Seq {
			return frame{}, fmt.Errorf("%s: desynchronized group (rank %d sent op=%q seq=%d, want seq=%d)", local.Op, in.Rank, in.Op, in.Seq, local.Seq)
		}
		if combine != nil {
			if err := combine(&acc, in); err != nil {
				return frame{}, err
			}
		}
	}
	for _, p := range c.peers {
		if err := p.enc.Encode(acc); err != nil {
			return frame{}, fmt.Errorf("%s: distribute: %w", local.Op, err)
		}
	}
	return acc, nil
}

// Barrier blocks until every process in the group has reached it. The
// training loop issues exactly one barrier per epoch, after rank 0 finishes
// tuning and checkpoint work.
func (c *Coordinator) Barrier() error {
	_, err := c.collective(frame{Op: "barrier"}, nil)
	return err
}

// BroadcastString distributes rank 0's value to every process. Non-zero
// ranks pass their placeholder and receive the coordinating process's value.
func (c *Coordinator) BroadcastString(value string) (string, error) {
	result, err := c.collective(frame{Op: "broadcast", Str: value}, nil)
	if err != nil {
		return "", err
	}
	return result.Str, nil
}

// AllReduceMean replaces values with the elementwise mean across the group,
// in place.
func (c *Coordinator) AllReduceMean(values []float32) error {
	if c.world == 1 {
		return nil
	}
	local := frame{Op: "allreduce", Vec: values}
	result, err := c.collective(local, func(acc *frame, in frame) error {
		if len(in.Vec) != len(acc.Vec) {
			return fmt.Errorf("allreduce: rank %d sent %d values, want %d", in.Rank, len(in.Vec), len(acc.Vec))
		}
		for i := range acc.Vec {
			acc.Vec[i] += in.Vec[i]
		}
		return nil
	})
	if err != nil {
		return err
	}
	inv := 1 / float32(c.world)
	if c.rank == 0 {
		for i := range values {
			values[i] = result.Vec[i] * inv
		}
		return nil
	}
	copy(values, result.Vec)
	for i := range values {
		values[i] *= inv
	}
	return nil
}

// Close releases the process group connections.
func (c *Coordinator) Close() error {
	if c.upstream != nil {
		c.upstream.conn.Close()
	}
	for _, p := range c.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	if c.listener != nil {
		c.listener.Close()
	}
	return nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
