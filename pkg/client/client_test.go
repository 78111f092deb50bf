package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/flash"
	"github.com/KevoDB/sysparam/pkg/grpc/service"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// setupTest serves a fresh store over an in-memory listener and returns a
// connected client
func setupTest(t *testing.T) (*sysparam.Store, *Client) {
	t.Helper()
	ctx := context.Background()

	dev, err := flash.NewMemDevice(64*1024, 4096)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	store := sysparam.New(dev, sysparam.WithLogger(log.Discard()))
	if err := store.CreateArea(ctx, 0, 1, false); err != nil {
		t.Fatalf("Failed to create area: %v", err)
	}
	if err := store.Init(ctx, 0, dev.Size()); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}

	srv, err := service.NewServer(store, service.ServerOptions{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)

	options := DefaultClientOptions()
	options.Endpoint = "passthrough:///bufnet"
	options.MaxRetries = 0
	options.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}

	c, err := NewClient(options)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(stopCtx)
	})
	return store, c
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, c := setupTest(t)

	if !c.IsConnected() {
		t.Fatal("Expected client to be connected")
	}

	if err := c.SetString(ctx, "ssid", "home"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if v, err := c.GetString(ctx, "ssid"); err != nil || v != "home" {
		t.Errorf("GetString = %q, %v", v, err)
	}
	if v, _ := store.GetString(ctx, "ssid"); v != "home" {
		t.Errorf("Store holds %q", v)
	}

	raw := []byte{1, 2, 3, 4}
	if err := c.Set(ctx, "blob", raw, true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, bin, err := c.Get(ctx, "blob")
	if err != nil || !bin || !bytes.Equal(value, raw) {
		t.Errorf("Get = %x (binary %v), %v", value, bin, err)
	}
	if _, err := c.GetString(ctx, "blob"); !errors.Is(err, sysparam.ErrParseFailed) {
		t.Errorf("Expected ErrParseFailed for binary data, got: %v", err)
	}

	if err := c.Delete(ctx, "ssid"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, _, err = c.Get(ctx, "ssid")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got: %v", err)
	}
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected the status code to be kept, got %s", status.Code(err))
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	_, c := setupTest(t)

	if err := c.SetString(ctx, "", "x"); !errors.Is(err, sysparam.ErrBadArguments) {
		t.Errorf("Expected ErrBadArguments for an empty key, got: %v", err)
	}
	long := string(bytes.Repeat([]byte("k"), sysparam.MaxKeyLen+1))
	if err := c.SetString(ctx, long, "x"); !errors.Is(err, sysparam.ErrBadArguments) {
		t.Errorf("Expected ErrBadArguments for a long key, got: %v", err)
	}

	// Two regions of one 4KB block cannot hold a value this large
	if err := c.Set(ctx, "huge", make([]byte, 8000), true); !errors.Is(err, sysparam.ErrFull) {
		t.Errorf("Expected ErrFull, got: %v", err)
	}

	c.Close()
	if c.IsConnected() {
		t.Error("Expected client to be disconnected after Close")
	}
	if _, _, err := c.Get(ctx, "ssid"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got: %v", err)
	}
}

func TestClientList(t *testing.T) {
	ctx := context.Background()
	_, c := setupTest(t)

	for i := 0; i < 4; i++ {
		if err := c.SetString(ctx, fmt.Sprintf("net.%d", i), fmt.Sprint(i)); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}
	if err := c.SetString(ctx, "name", "node"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}

	all, err := c.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 5 || all[0].Key != "net.0" || all[4].Key != "name" {
		t.Errorf("Unexpected pairs %+v", all)
	}

	some, err := c.List(ctx, "net.", 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(some) != 3 {
		t.Errorf("Expected 3 pairs, got %d", len(some))
	}
	for i, p := range some {
		if p.Key != fmt.Sprintf("net.%d", i) || string(p.Value) != fmt.Sprint(i) {
			t.Errorf("Unexpected pair %d: %+v", i, p)
		}
	}
}

func TestClientInfoCompactStats(t *testing.T) {
	ctx := context.Background()
	store, c := setupTest(t)

	for i := 0; i < 20; i++ {
		if err := c.SetString(ctx, "boot_count", fmt.Sprint(i)); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Pairs != 1 || info.RegionBlocks != 1 || info.Compactable == 0 {
		t.Errorf("Unexpected info %+v", info)
	}

	if err := c.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	want, _ := store.Status()
	info, err = c.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info != want || info.Compactable != 0 {
		t.Errorf("Info after compaction = %+v, want %+v", info, want)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["set_ops"] != float64(20) {
		t.Errorf("Expected 20 set operations, got %v", stats["set_ops"])
	}
}

func TestConnectTimeout(t *testing.T) {
	options := DefaultClientOptions()
	options.Endpoint = "passthrough:///unreachable"
	options.ConnectTimeout = 200 * time.Millisecond
	options.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}),
	}

	c, err := NewClient(options)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	start := time.Now()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect took %s, expected about %s", elapsed, options.ConnectTimeout)
	}
	if c.IsConnected() {
		t.Error("Expected client not to be connected")
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := RetryWithBackoff(ctx, func() error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "flash busy")
		}
		return nil
	}, 5, time.Millisecond, 5*time.Millisecond, 2, 0.1)
	if err != nil || attempts != 3 {
		t.Errorf("Expected success on the third attempt, got %d attempts and %v", attempts, err)
	}

	attempts = 0
	err = RetryWithBackoff(ctx, func() error {
		attempts++
		return sysparam.ErrBadArguments
	}, 5, time.Millisecond, 5*time.Millisecond, 2, 0)
	if !errors.Is(err, sysparam.ErrBadArguments) || attempts != 1 {
		t.Errorf("Expected a permanent error to stop retries, got %d attempts and %v", attempts, err)
	}

	attempts = 0
	err = RetryWithBackoff(ctx, func() error {
		attempts++
		return ErrTimeout
	}, 2, time.Millisecond, time.Millisecond, 1, 0)
	if !errors.Is(err, ErrTimeout) || attempts != 3 {
		t.Errorf("Expected 3 attempts before giving up, got %d and %v", attempts, err)
	}
}

func TestCalculateExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 150 * time.Millisecond},
		{2, 225 * time.Millisecond},
		{10, 2 * time.Second},
	}
	for _, tc := range tests {
		got := CalculateExponentialBackoff(tc.attempt, 100*time.Millisecond, 2*time.Second, 1.5, 0)
		if got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}

	withJitter := CalculateExponentialBackoff(0, 100*time.Millisecond, 2*time.Second, 1.5, 0.5)
	if withJitter < 100*time.Millisecond || withJitter > 150*time.Millisecond {
		t.Errorf("Expected jittered backoff within [100ms, 150ms], got %s", withJitter)
	}
}
