package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/flash"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"github.com/KevoDB/sysparam/pkg/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newStore(t *testing.T) *sysparam.Store {
	t.Helper()
	ctx := context.Background()
	dev, err := flash.NewMemDevice(64*1024, 4096)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	s := sysparam.New(dev, sysparam.WithLogger(log.Discard()))
	if err := s.CreateArea(ctx, 0x8000, 2, false); err != nil {
		t.Fatalf("Failed to create area: %v", err)
	}
	if err := s.Init(ctx, 0, dev.Size()); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	return s
}

// startServer serves store over an in-memory listener and returns a stub
// connected to it
func startServer(t *testing.T, store Store, tel telemetry.Telemetry) ParamServiceClient {
	t.Helper()
	srv, err := NewServer(store, ServerOptions{Logger: log.Discard(), Telemetry: tel})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to create connection: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return NewParamServiceClient(conn)
}

func TestServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	stub := startServer(t, store, nil)

	set := PairToStruct(sysparam.Pair{Key: "blob", Value: []byte{0, 0xff, 0x80}, Binary: true})
	if _, err := stub.Set(ctx, set); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	resp, err := stub.Get(ctx, wrapperspb.String("blob"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p, err := PairFromStruct(resp)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !bytes.Equal(p.Value, []byte{0, 0xff, 0x80}) || !p.Binary {
		t.Errorf("Unexpected pair %+v", p)
	}

	// The store sees exactly what was sent
	if v, bin, err := store.GetData(ctx, "blob"); err != nil || !bin || len(v) != 3 {
		t.Errorf("Store holds %x (binary %v), err %v", v, bin, err)
	}

	if _, err := stub.Delete(ctx, wrapperspb.String("blob")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := stub.Get(ctx, wrapperspb.String("blob")); status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound after delete, got: %v", err)
	}
}

func TestServiceList(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := 0; i < 5; i++ {
		if err := store.SetString(ctx, fmt.Sprintf("wifi.%d", i), "x"); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}
	if err := store.SetString(ctx, "hostname", "esp"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	stub := startServer(t, store, nil)

	tests := []struct {
		prefix string
		limit  int
		want   int
	}{
		{"", 0, 6},
		{"wifi.", 0, 5},
		{"wifi.", 2, 2},
		{"host", 10, 1},
		{"nope", 0, 0},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%q/%d", tc.prefix, tc.limit), func(t *testing.T) {
			stream, err := stub.List(ctx, NewListRequest(tc.prefix, tc.limit))
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			count := 0
			for {
				msg, err := stream.Recv()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("Recv failed: %v", err)
				}
				p, err := PairFromStruct(msg)
				if err != nil || p.Key == "" {
					t.Fatalf("Bad list item %v: %v", msg, err)
				}
				count++
			}
			if count != tc.want {
				t.Errorf("Expected %d pairs, got %d", tc.want, count)
			}
		})
	}
}

func TestServiceInfoStatsAndCompact(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := 0; i < 10; i++ {
		if err := store.SetString(ctx, "counter", fmt.Sprint(i)); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}
	stub := startServer(t, store, nil)

	resp, err := stub.Info(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	before := StatusFromStruct(resp)
	want, _ := store.Status()
	if before != want {
		t.Errorf("Info returned %+v, want %+v", before, want)
	}

	if _, err := stub.Compact(ctx, &emptypb.Empty{}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	resp, _ = stub.Info(ctx, &emptypb.Empty{})
	if after := StatusFromStruct(resp); after.Used >= before.Used || after.Compactable != 0 {
		t.Errorf("Expected compaction to reclaim space: before %+v, after %+v", before, after)
	}

	stats, err := stub.Stats(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	m := stats.AsMap()
	if m["compaction_count"] != float64(1) {
		t.Errorf("Expected one compaction, got %v", m["compaction_count"])
	}
	if m["set_ops"] != float64(10) {
		t.Errorf("Expected 10 set operations, got %v", m["set_ops"])
	}
	if _, ok := m["errors"].(map[string]interface{}); !ok {
		t.Errorf("Expected errors to be a nested map, got %T", m["errors"])
	}
}

func TestServiceErrorCodes(t *testing.T) {
	ctx := context.Background()
	stub := startServer(t, newStore(t), nil)

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"missing key", func() error {
			_, err := stub.Get(ctx, wrapperspb.String("absent"))
			return err
		}, codes.NotFound},
		{"empty key", func() error {
			_, err := stub.Get(ctx, wrapperspb.String(""))
			return err
		}, codes.InvalidArgument},
		{"missing value", func() error {
			_, err := stub.Set(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
				"key": structpb.NewStringValue("k"),
			}})
			return err
		}, codes.InvalidArgument},
		{"bad base64", func() error {
			_, err := stub.Set(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
				"key":   structpb.NewStringValue("k"),
				"value": structpb.NewStringValue("!!"),
			}})
			return err
		}, codes.InvalidArgument},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if code := status.Code(tc.call()); code != tc.code {
				t.Errorf("Expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestServiceUninitializedStore(t *testing.T) {
	dev, err := flash.NewMemDevice(64*1024, 4096)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	stub := startServer(t, sysparam.New(dev, sysparam.WithLogger(log.Discard())), nil)

	_, err = stub.Info(context.Background(), &emptypb.Empty{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Expected FailedPrecondition, got: %v", err)
	}
	if !errors.Is(FromStatus(err), sysparam.ErrNotInitialized) {
		t.Errorf("Expected FromStatus to recover ErrNotInitialized, got: %v", FromStatus(err))
	}
}

func TestCompactionIsExclusive(t *testing.T) {
	svc := NewParamService(newStore(t), log.Discard())
	svc.compactionSem <- struct{}{}

	_, err := svc.Compact(context.Background(), &emptypb.Empty{})
	if status.Code(err) != codes.Aborted {
		t.Errorf("Expected Aborted while a compaction runs, got: %v", err)
	}
	if !errors.Is(FromStatus(err), ErrCompactionInProgress) {
		t.Errorf("Expected ErrCompactionInProgress, got: %v", FromStatus(err))
	}

	<-svc.compactionSem
	if _, err := svc.Compact(context.Background(), &emptypb.Empty{}); err != nil {
		t.Errorf("Compact failed: %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: %q", sysparam.ErrNotFound, "k"), codes.NotFound},
		{sysparam.ErrBadArguments, codes.InvalidArgument},
		{sysparam.ErrParseFailed, codes.InvalidArgument},
		{sysparam.ErrFull, codes.ResourceExhausted},
		{sysparam.ErrOutOfMemory, codes.ResourceExhausted},
		{sysparam.ErrCorrupt, codes.DataLoss},
		{fmt.Errorf("write failed: %w", sysparam.ErrIO), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("something else"), codes.Internal},
	}

	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			st := toStatus(tc.err)
			if status.Code(st) != tc.code {
				t.Fatalf("Expected %s, got %s", tc.code, status.Code(st))
			}
			back := FromStatus(st)
			if tc.code != codes.Internal && !errors.Is(back, tc.err) && !errors.Is(tc.err, errors.Unwrap(back)) {
				t.Errorf("FromStatus(%v) = %v does not match the original error", st, back)
			}
			if status.Code(back) != tc.code {
				t.Errorf("Expected the round trip to keep %s, got %s", tc.code, status.Code(back))
			}
		})
	}

	if toStatus(nil) != nil || FromStatus(nil) != nil {
		t.Error("Expected nil to map to nil")
	}
}

func TestRPCMetrics(t *testing.T) {
	ctx := context.Background()
	tel, reader := telemetry.NewWithManualReader()
	defer tel.Shutdown(ctx)

	stub := startServer(t, newStore(t), tel)
	stub.Set(ctx, PairToStruct(sysparam.Pair{Key: "a", Value: []byte("1")}))
	stub.Get(ctx, wrapperspb.String("a"))
	stub.Get(ctx, wrapperspb.String("missing"))
	stream, err := stub.List(ctx, NewListRequest("", 0))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}

	// The stream interceptor records after the handler returns, which may
	// race with the client seeing EOF
	deadline := time.Now().Add(2 * time.Second)
	for {
		total, err := telemetry.CounterValue(ctx, reader, "sysparam.rpc.requests.total")
		if err != nil {
			t.Fatalf("Failed to collect metrics: %v", err)
		}
		if total == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 4 requests, got %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
