// Package smdr receives the Station Message Detail Recording feed that the
// PBX pushes over TCP and parses its lines into call detail records.
package smdr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const readBufSize = 4096

// Record is one complete line received from a PBX connection.
type Record struct {
	Line       string
	RemoteAddr string
	ReceivedAt time.Time
}

// ListenerConfig tunes a Listener.
type ListenerConfig struct {
	// Buffer is the capacity of the records channel.
	Buffer int
	// LineRate and LineBurst bound the expected lines per second per
	// connection. Lines above the rate are still delivered; the overrun is
	// logged at most once per FloodLogInterval.
	LineRate         rate.Limit
	LineBurst        int
	FloodLogInterval time.Duration
}

// DefaultListenerConfig returns settings suited to a single PBX.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Buffer:           1024,
		LineRate:         rate.Limit(200),
		LineBurst:        400,
		FloodLogInterval: time.Minute,
	}
}

// Listener accepts SMDR connections and emits every complete line as a
// Record. Each connection keeps its own partial-line buffer.
type Listener struct {
	cfg    ListenerConfig
	logger *slog.Logger

	records chan Record
	done    chan struct{}

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once

	emitted atomic.Int64
	active  atomic.Int64
}

// NewListener creates a Listener. Call Start to bind it.
func NewListener(cfg ListenerConfig, logger *slog.Logger) *Listener {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultListenerConfig().Buffer
	}
	return &Listener{
		cfg:     cfg,
		logger:  logger.With("subsystem", "smdr"),
		records: make(chan Record, cfg.Buffer),
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Records returns the channel complete lines are delivered on. It is closed
// once Stop has returned.
func (l *Listener) Records() <-chan Record {
	return l.records
}

// Start binds host:port and accepts connections in the background until
// ctx is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("smdr listener started", "addr", ln.Addr().String())

	l.wg.Add(1)
	go l.acceptLoop(ln)

	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.done:
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the server socket and every live connection, waits for the
// connection goroutines and closes the records channel.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		if l.ln != nil {
			l.ln.Close()
		}
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()

		l.wg.Wait()
		close(l.records)
		l.logger.Info("smdr listener stopped", "records", l.emitted.Load())
	})
}

// RecordCount returns the number of lines emitted since start.
func (l *Listener) RecordCount() int64 {
	return l.emitted.Load()
}

// ActiveConnections returns the number of currently open connections.
func (l *Listener) ActiveConnections() int64 {
	return l.active.Load()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-l.done:
				return
			default:
			}
			l.logger.Warn("accepting smdr connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		l.mu.Lock()
		select {
		case <-l.done:
			l.mu.Unlock()
			conn.Close()
			return
		default:
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
		l.active.Add(-1)
	}()
	l.active.Add(1)

	remote := conn.RemoteAddr().String()
	logger := l.logger.With("remote", remote)
	logger.Info("smdr connection opened")

	flood := rate.NewLimiter(l.cfg.LineRate, l.cfg.LineBurst)
	floodLog := rate.Sometimes{Interval: l.cfg.FloodLogInterval}

	var lb lineBuffer
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range lb.feed(buf[:n]) {
				if l.cfg.LineRate > 0 && !flood.Allow() {
					floodLog.Do(func() {
						logger.Warn("smdr line rate above limit", "limit", float64(l.cfg.LineRate))
					})
				}
				if !l.emit(Record{Line: line, RemoteAddr: remote, ReceivedAt: time.Now()}) {
					return
				}
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if rest := lb.flush(); rest != "" {
				l.emit(Record{Line: rest, RemoteAddr: remote, ReceivedAt: time.Now()})
			}
			logger.Info("smdr connection closed by peer")
			return
		}
		// The partial buffer is dropped on any other error.
		select {
		case <-l.done:
		default:
			logger.Warn("smdr connection error", "error", err)
		}
		return
	}
}

// emit delivers rec unless the listener is stopping.
func (l *Listener) emit(rec Record) bool {
	select {
	case l.records <- rec:
		l.emitted.Add(1)
		return true
	case <-l.done:
		return false
	}
}

// lineBuffer accumulates bytes and yields complete, trimmed lines.
type lineBuffer struct {
	buf []byte
}

// feed appends chunk and returns every non-empty complete line. The trailing
// fragment after the last newline stays buffered.
func (b *lineBuffer) feed(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		if line := cleanLine(b.buf[:i]); line != "" {
			lines = append(lines, line)
		}
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// flush returns whatever remains buffered, cleaned, and resets the buffer.
func (b *lineBuffer) flush() string {
	line := cleanLine(b.buf)
	b.buf = nil
	return line
}

func cleanLine(raw []byte) string {
	return strings.TrimSpace(strings.TrimSuffix(string(raw), "\r"))
}
