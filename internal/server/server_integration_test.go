package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	goredis "github.com/go-redis/redis"
)

// freePort asks the OS for an unused TCP port by binding to :0 and
// immediately releasing it. There is a small window where another
// process could grab it first; acceptable for a test.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startTestServer starts a real Server on an ephemeral loopback port and
// returns its address once it is accepting connections.
func startTestServer(t *testing.T, cfg *Config) (addr string, srv *Server) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)

	srv = New(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})

	addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	waitForListener(t, addr)
	return addr, srv
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

// TestServerSpeaksRESPToARealClient drives the server with go-redis, the
// repo's one third-party dependency, to prove wire compatibility with a
// standard client rather than only with this repo's own frame codec —
// mirroring shanas-swi-telegraf's redis_test.go pattern of skipping in
// short mode for an integration test that needs a live TCP listener.
func TestServerSpeaksRESPToARealClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	addr, _ := startTestServer(t, DefaultConfig())

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping().Err(); err != nil {
		t.Fatalf("PING: %v", err)
	}

	if err := client.Set("foo", "bar", 0).Err(); err != nil {
		t.Fatalf("SET: %v", err)
	}
	got, err := client.Get("foo").Result()
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got != "bar" {
		t.Fatalf("GET foo = %q, want %q", got, "bar")
	}

	if err := client.Set("expiring", "v", 50*time.Millisecond).Err(); err != nil {
		t.Fatalf("SET PX: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	_, err = client.Get("expiring").Result()
	if err != goredis.Nil {
		t.Fatalf("GET expiring after TTL = %v, want redis.Nil", err)
	}

	info, err := client.Info("replication").Result()
	if err != nil {
		t.Fatalf("INFO replication: %v", err)
	}
	if !strings.Contains(info, "role:master") {
		t.Fatalf("INFO replication = %q, missing role:master", info)
	}
}

// TestReplicaServesReplicatedWrites drives a master/replica pair through
// go-redis clients: a SET issued against the master becomes visible on
// the replica, and the replica itself rejects client writes.
func TestReplicaServesReplicatedWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	masterAddr, _ := startTestServer(t, DefaultConfig())
	masterHost, masterPortStr, _ := net.SplitHostPort(masterAddr)

	replicaCfg := DefaultConfig()
	replicaCfg.IsReplica = true
	replicaCfg.MasterHost = masterHost
	fmt.Sscanf(masterPortStr, "%d", &replicaCfg.MasterPort)

	replicaAddr, _ := startTestServer(t, replicaCfg)

	masterClient := goredis.NewClient(&goredis.Options{Addr: masterAddr})
	defer masterClient.Close()
	replicaClient := goredis.NewClient(&goredis.Options{Addr: replicaAddr})
	defer replicaClient.Close()

	if err := masterClient.Set("k", "v", 0).Err(); err != nil {
		t.Fatalf("SET on master: %v", err)
	}

	var got string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, err := replicaClient.Get("k").Result()
		if err == nil && v == "v" {
			got = v
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got != "v" {
		t.Fatalf("replica never observed replicated key, last value %q", got)
	}

	if err := replicaClient.Set("k", "v2", 0).Err(); err == nil {
		t.Fatalf("SET on replica: expected READONLY error, got none")
	}
}
