package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ValkeyProvider implements Provider against a Valkey or Redis
// compatible server, speaking RESP directly over short-lived
// connections. Call volume is low (a handful of lookups per incident),
// so one dial per operation is cheaper to operate than a pool.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the cache server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewValkeyProvider validates connectivity with a ping and returns the
// provider, so misconfigured credentials fail at boot rather than on
// the first incident.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	applyDefaults(&cfg)

	p := &ValkeyProvider{cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := p.ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.roundTrip(ctx, func(c *respConn) error {
		if err := c.command("GET", []byte(key)); err != nil {
			return err
		}
		rep, err := c.read()
		if err != nil {
			return err
		}
		switch rep.kind {
		case kindNil:
			return ErrCacheMiss
		case kindBulk:
			payload = rep.data
			return nil
		default:
			return fmt.Errorf("unexpected %c reply for GET", rep.kind)
		}
	})
	return payload, err
}

// Set stores bytes under key with the given TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.roundTrip(ctx, func(c *respConn) error {
		args := [][]byte{[]byte(key), value}
		if ttl > 0 {
			args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
		}
		if err := c.command("SET", args...); err != nil {
			return err
		}
		rep, err := c.read()
		if err != nil {
			return err
		}
		if rep.kind != kindSimple || string(rep.data) != "OK" {
			return fmt.Errorf("unexpected SET response: %s", rep.data)
		}
		return nil
	})
}

// Del removes a key. Deleting an absent key succeeds.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.roundTrip(ctx, func(c *respConn) error {
		if err := c.command("DEL", []byte(key)); err != nil {
			return err
		}
		_, err := c.read()
		return err
	})
}

// Close is a no-op; connections are per-operation.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) ping(ctx context.Context) error {
	return p.roundTrip(ctx, func(c *respConn) error {
		if err := c.command("PING"); err != nil {
			return err
		}
		rep, err := c.read()
		if err != nil {
			return err
		}
		if rep.kind != kindSimple || string(rep.data) != "PONG" {
			return fmt.Errorf("unexpected PING response: %s", rep.data)
		}
		return nil
	})
}

// roundTrip dials, authenticates, runs fn, and retries transient
// failures with exponential backoff. A cache miss is a result, not a
// failure, and passes through untouched.
func (p *ValkeyProvider) roundTrip(ctx context.Context, fn func(*respConn) error) error {
	op := func() error {
		c, err := p.dial(ctx)
		if err != nil {
			return asRetryable(err)
		}
		defer c.close()
		if err := p.handshake(c); err != nil {
			return asRetryable(err)
		}
		return asRetryable(fn(c))
	}
	return backoff.Retry(op, p.policy(ctx))
}

func (p *ValkeyProvider) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries-1)), ctx)
}

func asRetryable(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return err
	}
	return backoff.Permanent(err)
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: dialBudget(ctx, p.cfg.DialTimeout)}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: tlsHost(p.cfg.Addr)}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &respConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

// handshake authenticates and selects the configured database on a
// fresh connection.
func (p *ValkeyProvider) handshake(c *respConn) error {
	if p.cfg.Password != "" {
		args := [][]byte{[]byte(p.cfg.Password)}
		if p.cfg.Username != "" {
			args = [][]byte{[]byte(p.cfg.Username), []byte(p.cfg.Password)}
		}
		if err := c.command("AUTH", args...); err != nil {
			return err
		}
		rep, err := c.read()
		if err != nil {
			return err
		}
		if rep.kind != kindSimple || !strings.EqualFold(string(rep.data), "OK") {
			return fmt.Errorf("auth failed: %s", rep.data)
		}
	}
	if p.cfg.DB > 0 {
		if err := c.command("SELECT", []byte(strconv.Itoa(p.cfg.DB))); err != nil {
			return err
		}
		rep, err := c.read()
		if err != nil {
			return err
		}
		if rep.kind != kindSimple || !strings.EqualFold(string(rep.data), "OK") {
			return fmt.Errorf("select failed: %s", rep.data)
		}
	}
	return nil
}

// RESP reply kinds, tagged by their wire prefix byte.
const (
	kindSimple byte = '+'
	kindBulk   byte = '$'
	kindInt    byte = ':'
	kindNil    byte = 0
)

type reply struct {
	kind byte
	data []byte
}

// respConn wraps one connection with RESP framing helpers.
type respConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *respConn) close() {
	_ = c.conn.Close()
}

// command writes one RESP command array.
func (c *respConn) command(name string, args ...[]byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1)
	parts := append([][]byte{[]byte(name)}, args...)
	for _, part := range parts {
		fmt.Fprintf(c.writer, "$%d\r\n", len(part))
		if _, err := c.writer.Write(part); err != nil {
			return err
		}
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *respConn) read() (reply, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return reply{}, err
	}
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return reply{}, err
	}
	switch prefix {
	case '+':
		line, err := c.line()
		return reply{kind: kindSimple, data: line}, err
	case ':':
		line, err := c.line()
		return reply{kind: kindInt, data: line}, err
	case '-':
		line, err := c.line()
		if err != nil {
			return reply{}, err
		}
		return reply{}, errors.New(string(line))
	case '$':
		line, err := c.line()
		if err != nil {
			return reply{}, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, err
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("malformed bulk string terminator")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *respConn) line() ([]byte, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func applyDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

// dialBudget caps the dial timeout by the context deadline when one is
// nearer.
func dialBudget(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if d <= 0 || remaining < d {
			return remaining
		}
	}
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func tlsHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
