// Package cache keeps decrypted message plaintext so rooms reopen without
// paying for RSA and AES again. It is advisory: a miss only means the caller
// must decrypt, never that the message does not exist.
package cache

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Metrics receives cache outcomes. A nil Metrics is allowed.
type Metrics interface {
	CacheHit(tier string)
	CacheMiss()
	CachePersistFailed()
}

type opKind int

const (
	opSet opKind = iota
	opRemove
	opRemoveRoom
	opClear
	opFlush
)

type diskOp struct {
	kind      opKind
	room, id  string
	plaintext string
	seq       uint64
	done      chan struct{}
}

type entry struct {
	plaintext string
	seq       uint64
}

// Cache is a two-tier plaintext store: a locked in-memory map in front of
// one file per message under a per-room directory. Disk writes happen on a
// single writer goroutine in submission order.
type Cache struct {
	dir     string
	logger  *zap.Logger
	metrics Metrics

	mu  sync.Mutex
	mem map[string]map[string]entry
	seq uint64

	// Removals queued but not yet applied on disk. Disk reads skip what
	// they cover so a stale file is never promoted back into memory.
	removing     map[string]map[string]uint64
	removingRoom map[string]uint64
	clearing     uint64
	// epoch advances on every invalidation; a disk read that straddles one
	// is discarded.
	epoch uint64

	ops       chan diskOp
	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}
}

// New opens a cache rooted at dir and starts its disk writer.
func New(dir string, logger *zap.Logger, metrics Metrics) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		dir:     dir,
		logger:  logger,
		metrics: metrics,
		mem:     make(map[string]map[string]entry),
		ops:     make(chan diskOp, 256),

		removing:     make(map[string]map[string]uint64),
		removingRoom: make(map[string]uint64),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.writer()
	return c, nil
}

// Get returns the plaintext for (room, id), reading through to disk on a
// memory miss.
func (c *Cache) Get(room, id string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.mem[room][id]; ok {
		c.mu.Unlock()
		c.hit("memory")
		return e.plaintext, true
	}
	if c.shadowedLocked(room, id) {
		c.mu.Unlock()
		c.miss()
		return "", false
	}
	epoch := c.epoch
	c.mu.Unlock()

	b, err := os.ReadFile(c.entryPath(room, id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache read failed", zap.String("room", room), zap.String("msg_id", id), zap.Error(err))
		}
		c.miss()
		return "", false
	}

	c.mu.Lock()
	// A Set that raced the disk read wins.
	if e, ok := c.mem[room][id]; ok {
		c.mu.Unlock()
		return e.plaintext, true
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		c.miss()
		return "", false
	}
	c.seq++
	c.roomLocked(room)[id] = entry{plaintext: string(b), seq: c.seq}
	c.mu.Unlock()
	c.hit("disk")
	return string(b), true
}

// Set stores verified plaintext. Memory is updated before returning; the disk
// copy is written asynchronously and, if that write fails, the memory entry
// is dropped too so memory never holds what a restart could not recover.
func (c *Cache) Set(room, id, plaintext string) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.roomLocked(room)[id] = entry{plaintext: plaintext, seq: seq}
	c.mu.Unlock()

	c.submit(diskOp{kind: opSet, room: room, id: id, plaintext: plaintext, seq: seq})
}

// GetAll returns every cached plaintext of room, merging memory over disk.
func (c *Cache) GetAll(room string) map[string]string {
	out := make(map[string]string)

	c.mu.Lock()
	epoch := c.epoch
	skipDisk := c.clearing != 0 || c.removingRoom[room] != 0
	c.mu.Unlock()

	var entries []os.DirEntry
	if !skipDisk {
		var err error
		entries, err = os.ReadDir(c.roomPath(room))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache list failed", zap.String("room", room), zap.Error(err))
		}
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) == ".tmp" {
			continue
		}
		id, err := decodeName(de.Name())
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(c.roomPath(room), de.Name()))
		if err != nil {
			continue
		}
		out[id] = string(b)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		out = make(map[string]string)
	}
	mem := c.roomLocked(room)
	for id, text := range out {
		if c.shadowedLocked(room, id) {
			delete(out, id)
			continue
		}
		if _, ok := mem[id]; !ok {
			c.seq++
			mem[id] = entry{plaintext: text, seq: c.seq}
		}
	}
	for id, e := range mem {
		out[id] = e.plaintext
	}
	c.mu.Unlock()
	return out
}

// Remove invalidates one message. It takes effect immediately for readers
// even though the file is deleted later.
func (c *Cache) Remove(room, id string) {
	c.mu.Lock()
	delete(c.mem[room], id)
	seq := c.invalidateLocked()
	ids, ok := c.removing[room]
	if !ok {
		ids = make(map[string]uint64)
		c.removing[room] = ids
	}
	ids[id] = seq
	c.mu.Unlock()
	c.submit(diskOp{kind: opRemove, room: room, id: id, seq: seq})
}

// RemoveRoom invalidates every message of room.
func (c *Cache) RemoveRoom(room string) {
	c.mu.Lock()
	delete(c.mem, room)
	seq := c.invalidateLocked()
	c.removingRoom[room] = seq
	c.mu.Unlock()
	c.submit(diskOp{kind: opRemoveRoom, room: room, seq: seq})
}

// Clear drops everything (logout).
func (c *Cache) Clear() {
	c.mu.Lock()
	c.mem = make(map[string]map[string]entry)
	seq := c.invalidateLocked()
	c.clearing = seq
	c.mu.Unlock()
	c.submit(diskOp{kind: opClear, seq: seq})
}

func (c *Cache) invalidateLocked() uint64 {
	c.seq++
	c.epoch++
	return c.seq
}

// shadowedLocked reports whether a queued removal covers (room, id).
func (c *Cache) shadowedLocked(room, id string) bool {
	if c.clearing != 0 || c.removingRoom[room] != 0 {
		return true
	}
	_, ok := c.removing[room][id]
	return ok
}

// Flush blocks until every disk operation submitted before it has run.
func (c *Cache) Flush() {
	done := make(chan struct{})
	if c.submit(diskOp{kind: opFlush, done: done}) {
		<-done
	}
}

// Close stops the writer after draining queued operations.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		<-c.stopped
	})
	return nil
}

func (c *Cache) submit(op diskOp) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.ops <- op:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Cache) writer() {
	defer close(c.stopped)
	for {
		select {
		case op := <-c.ops:
			c.apply(op)
		case <-c.closed:
			for {
				select {
				case op := <-c.ops:
					c.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) apply(op diskOp) {
	switch op.kind {
	case opSet:
		if err := c.writeEntry(op.room, op.id, op.plaintext); err != nil {
			c.logger.Warn("cache persist failed, evicting memory entry",
				zap.String("room", op.room), zap.String("msg_id", op.id), zap.Error(err))
			if c.metrics != nil {
				c.metrics.CachePersistFailed()
			}
			// An older version on disk must not outlive the failed write.
			_ = os.Remove(c.entryPath(op.room, op.id))
			c.mu.Lock()
			if e, ok := c.mem[op.room][op.id]; ok && e.seq == op.seq {
				delete(c.mem[op.room], op.id)
			}
			c.mu.Unlock()
		}
	case opRemove:
		if err := os.Remove(c.entryPath(op.room, op.id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache remove failed", zap.String("room", op.room), zap.String("msg_id", op.id), zap.Error(err))
		}
		c.mu.Lock()
		if c.removing[op.room][op.id] == op.seq {
			delete(c.removing[op.room], op.id)
			if len(c.removing[op.room]) == 0 {
				delete(c.removing, op.room)
			}
		}
		c.mu.Unlock()
	case opRemoveRoom:
		if err := os.RemoveAll(c.roomPath(op.room)); err != nil {
			c.logger.Warn("cache room remove failed", zap.String("room", op.room), zap.Error(err))
		}
		c.mu.Lock()
		if c.removingRoom[op.room] == op.seq {
			delete(c.removingRoom, op.room)
		}
		c.mu.Unlock()
	case opClear:
		entries, _ := os.ReadDir(c.dir)
		for _, de := range entries {
			_ = os.RemoveAll(filepath.Join(c.dir, de.Name()))
		}
		c.mu.Lock()
		if c.clearing == op.seq {
			c.clearing = 0
		}
		c.mu.Unlock()
	case opFlush:
		close(op.done)
	}
}

func (c *Cache) writeEntry(room, id, plaintext string) error {
	dir := c.roomPath(room)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.WriteString(plaintext); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.entryPath(room, id))
}

func (c *Cache) roomLocked(room string) map[string]entry {
	m, ok := c.mem[room]
	if !ok {
		m = make(map[string]entry)
		c.mem[room] = m
	}
	return m
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
}

func (c *Cache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHit(tier)
	}
}

func (c *Cache) roomPath(room string) string {
	return filepath.Join(c.dir, encodeName(room))
}

func (c *Cache) entryPath(room, id string) string {
	return filepath.Join(c.roomPath(room), encodeName(id))
}

// Room and message IDs are server-controlled; encode them so they can never
// escape the cache directory.
func encodeName(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeName(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}
