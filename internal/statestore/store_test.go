package statestore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/frontier"
)

func sampleState(jobID string) *frontier.State {
	f := frontier.New(jobID, "https://a.test/", 3)
	f.SetStatus(frontier.StatusRunning)
	f.Enqueue("https://a.test/p1", 1)
	f.RecordLink("https://a.test/p1")
	f.AddResources("css", 1)
	return f.State()
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	if _, found, err := store.LoadState(ctx, "job-1"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	state := sampleState("job-1")
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, found, err := store.LoadState(ctx, "job-1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if loaded.SeedURL != state.SeedURL || loaded.Status != frontier.StatusRunning {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.QueueOrder) != len(state.QueueOrder) {
		t.Errorf("queue lost: %d vs %d", len(loaded.QueueOrder), len(state.QueueOrder))
	}

	restored, err := frontier.Restore(loaded, 3)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := store.SaveStats(ctx, restored.Stats()); err != nil {
		t.Fatalf("save stats: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "job-1", "stats.json")); err != nil {
		t.Errorf("stats file missing: %v", err)
	}

	if err := store.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, _ := store.LoadState(ctx, "job-1"); found {
		t.Error("state survived Remove")
	}
}

func TestFileStoreList(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	jobs, err := store.List(ctx)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("empty store: jobs=%v err=%v", jobs, err)
	}

	for _, id := range []string{"job-a", "job-b"} {
		if err := store.SaveState(ctx, sampleState(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	jobs, err = store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %v, want 2 entries", jobs)
	}
}

func TestFileStoreCorruptState(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	if err := os.MkdirAll(filepath.Join(dir, "job-1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "job-1", "state.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.LoadState(context.Background(), "job-1"); err == nil {
		t.Fatal("corrupt state file should surface an error")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	if _, err := Open(config.StateConfig{Backend: "file"}, t.TempDir()); err != nil {
		t.Errorf("file backend: %v", err)
	}
	if _, err := Open(config.StateConfig{Backend: "redis", Redis: config.RedisConfig{Host: "localhost"}}, ""); err != nil {
		t.Errorf("redis backend: %v", err)
	}
	if _, err := Open(config.StateConfig{Backend: "dynamo"}, ""); err == nil {
		t.Error("unknown backend accepted")
	}
}

// fakeRedis speaks just enough RESP for the store: HSET, HGET, HDEL, HKEYS.
type fakeRedis struct {
	ln   net.Listener
	data map[string]map[string]string
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeRedis{ln: ln, data: map[string]map[string]string{}}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeRedis) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		switch strings.ToUpper(args[0]) {
		case "HSET":
			if f.data[args[1]] == nil {
				f.data[args[1]] = map[string]string{}
			}
			f.data[args[1]][args[2]] = args[3]
			fmt.Fprint(conn, ":1\r\n")
		case "HGET":
			if v, ok := f.data[args[1]][args[2]]; ok {
				fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(v), v)
			} else {
				fmt.Fprint(conn, "$-1\r\n")
			}
		case "HDEL":
			delete(f.data[args[1]], args[2])
			fmt.Fprint(conn, ":1\r\n")
		case "HKEYS":
			fields := f.data[args[1]]
			fmt.Fprintf(conn, "*%d\r\n", len(fields))
			for field := range fields {
				fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(field), field)
			}
		default:
			fmt.Fprint(conn, "-ERR unknown command\r\n")
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(sizeLine, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	fake := startFakeRedis(t)
	host, port, _ := net.SplitHostPort(fake.ln.Addr().String())

	store, err := NewRedisStore(config.RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, found, err := store.LoadState(ctx, "job-1"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	state := sampleState("job-1")
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, found, err := store.LoadState(ctx, "job-1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if loaded.SeedURL != "https://a.test/" || loaded.PagesCrawled != state.PagesCrawled {
		t.Errorf("loaded = %+v", loaded)
	}

	jobs, err := store.List(ctx)
	if err != nil || len(jobs) != 1 || jobs[0] != "job-1" {
		t.Fatalf("list: jobs=%v err=%v", jobs, err)
	}

	if err := store.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, _ := store.LoadState(ctx, "job-1"); found {
		t.Error("state survived Remove")
	}
}
