package statestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/frontier"
)

const (
	defaultRedisKey     = "crawler:jobs"
	defaultRedisTimeout = 5 * time.Second
)

// RedisStore keeps crawl state in a Redis hash keyed by job ID, using a
// minimal RESP client. Stats live in a sibling hash under "<key>:stats".
type RedisStore struct {
	addr     string
	password string
	db       int
	key      string
	timeout  time.Duration
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{
		addr:     net.JoinHostPort(cfg.Host, port),
		password: cfg.Password,
		db:       cfg.DB,
		key:      key,
		timeout:  defaultRedisTimeout,
	}, nil
}

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) SaveState(ctx context.Context, state *frontier.State) error {
	return s.hset(ctx, s.key, state.JobID, state)
}

func (s *RedisStore) LoadState(ctx context.Context, jobID string) (*frontier.State, bool, error) {
	var state frontier.State
	var found bool
	err := s.withConn(ctx, func(conn *respConn) error {
		if err := conn.send("HGET", s.key, jobID); err != nil {
			return err
		}
		reply, err := conn.read()
		if err != nil {
			return err
		}
		switch v := reply.(type) {
		case nil:
		case string:
			if err := json.Unmarshal([]byte(v), &state); err != nil {
				return fmt.Errorf("parse stored state: %w", err)
			}
			found = true
		default:
			return fmt.Errorf("unexpected response type %T", v)
		}
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &state, true, nil
}

func (s *RedisStore) SaveStats(ctx context.Context, stats *frontier.Stats) error {
	return s.hset(ctx, s.key+":stats", stats.JobID, stats)
}

// List returns the job IDs present in the state hash.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var jobs []string
	err := s.withConn(ctx, func(conn *respConn) error {
		if err := conn.send("HKEYS", s.key); err != nil {
			return err
		}
		reply, err := conn.read()
		if err != nil {
			return err
		}
		items, ok := reply.([]any)
		if !ok && reply != nil {
			return fmt.Errorf("unexpected response type %T", reply)
		}
		for _, item := range items {
			if field, ok := item.(string); ok {
				jobs = append(jobs, field)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *RedisStore) Remove(ctx context.Context, jobID string) error {
	return s.withConn(ctx, func(conn *respConn) error {
		for _, key := range []string{s.key, s.key + ":stats"} {
			if err := conn.send("HDEL", key, jobID); err != nil {
				return err
			}
			if _, err := conn.read(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RedisStore) hset(ctx context.Context, key, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(conn *respConn) error {
		if err := conn.send("HSET", key, field, string(data)); err != nil {
			return err
		}
		_, err := conn.read()
		return err
	})
}

func (s *RedisStore) withConn(ctx context.Context, fn func(*respConn) error) error {
	conn, err := dialResp(ctx, s.addr, s.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.initialize(s.password, s.db); err != nil {
		return err
	}
	return fn(conn)
}

type respConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func dialResp(ctx context.Context, addr string, timeout time.Duration) (*respConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &respConn{
		conn:   c,
		reader: bufio.NewReader(c),
		writer: bufio.NewWriter(c),
	}, nil
}

func (c *respConn) initialize(password string, db int) error {
	if password != "" {
		if err := c.send("AUTH", password); err != nil {
			return err
		}
		if _, err := c.read(); err != nil {
			return err
		}
	}
	if db != 0 {
		if err := c.send("SELECT", strconv.Itoa(db)); err != nil {
			return err
		}
		if _, err := c.read(); err != nil {
			return err
		}
	}
	return nil
}

func (c *respConn) send(cmd string, args ...string) error {
	if _, err := fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1); err != nil {
		return err
	}
	if err := writeBulk(c.writer, strings.ToUpper(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := writeBulk(c.writer, arg); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func (c *respConn) read() (any, error) {
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return readLine(c.reader)
	case '-':
		line, err := readLine(c.reader)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := readLine(c.reader)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := readLine(c.reader)
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length == -1 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	case '*':
		line, err := readLine(c.reader)
		if err != nil {
			return nil, err
		}
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count == -1 {
			return nil, nil
		}
		items := make([]any, 0, count)
		for i := 0; i < count; i++ {
			item, err := c.read()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected redis prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (c *respConn) Close() error {
	return c.conn.Close()
}
