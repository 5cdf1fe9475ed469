package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/diskpager/pkg/api"
	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/storeinfo"
	"github.com/example/diskpager/pkg/wire"
)

// mockAdminService answers from canned values and counts calls.
type mockAdminService struct {
	api.UnimplementedAdminServer

	mu    sync.Mutex
	calls map[string]int

	// unavailable is the number of calls still to fail with Unavailable.
	unavailable int

	statErr error
	store   *storeinfo.Store
	lastReq wire.StorageRequest
}

func (m *mockAdminService) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if m.unavailable > 0 {
		m.unavailable--
		return status.Error(codes.Unavailable, "try again")
	}
	return nil
}

func (m *mockAdminService) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockAdminService) Sync(ctx context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	if err := m.enter("Sync"); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (m *mockAdminService) Stat(ctx context.Context, req *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	if err := m.enter("Stat"); err != nil {
		return nil, err
	}
	if m.statErr != nil {
		return nil, wire.ErrorToStatus(m.statErr)
	}
	return wire.NodeStatToStruct(wire.NodeStat{Ino: req.GetValue(), Name: "f", Size: 10, AllocSize: 512, StatBlocks: 1})
}

func (m *mockAdminService) StorageInfo(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	if err := m.enter("StorageInfo"); err != nil {
		return nil, err
	}
	r, err := wire.StructToStorageRequest(req)
	if err != nil {
		return nil, wire.ErrorToStatus(err)
	}
	m.mu.Lock()
	m.lastReq = r
	m.mu.Unlock()
	return wrapperspb.Bytes(m.store.Encode().Marshal()), nil
}

// setupMockServer serves m over bufconn and returns a client for it.
func setupMockServer(t *testing.T, m *mockAdminService, config *Config) *Client {
	t.Helper()
	listener := bufconn.Listen(1024 * 1024)
	m.calls = make(map[string]int)

	server := grpc.NewServer()
	api.RegisterAdminServer(server, m)
	go server.Serve(listener)

	config.ServerAddress = "passthrough:///bufnet"
	c, err := NewClient(config, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		server.Stop()
	})
	return c
}

func testConfig() *Config {
	config := DefaultConfig()
	config.RetryDelay = time.Millisecond
	config.Timeout = 5 * time.Second
	return config
}

func TestRetryOnUnavailable(t *testing.T) {
	m := &mockAdminService{unavailable: 2}
	c := setupMockServer(t, m, testConfig())

	if err := c.Sync(context.Background(), true); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if n := m.count("Sync"); n != 3 {
		t.Errorf("Sync was attempted %d times, want 3", n)
	}
}

func TestRetryExhausted(t *testing.T) {
	m := &mockAdminService{unavailable: 100}
	config := testConfig()
	config.MaxRetries = 2
	c := setupMockServer(t, m, config)

	err := c.Sync(context.Background(), false)
	if !errors.Is(err, ErrNoServer) {
		t.Errorf("Sync = %v, want ErrNoServer", err)
	}
	var aerr *AdminError
	if !errors.As(err, &aerr) || aerr.Code != codes.Unavailable {
		t.Errorf("Sync error %v is not an Unavailable AdminError", err)
	}
	if n := m.count("Sync"); n != 3 {
		t.Errorf("Sync was attempted %d times, want 3", n)
	}
}

func TestNoRetryOnPermanentError(t *testing.T) {
	m := &mockAdminService{statErr: fs.NewError("node", "ino 7", fs.ErrNotExist)}
	c := setupMockServer(t, m, testConfig())

	_, err := c.Stat(context.Background(), 7)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat = %v, want ErrNotExist", err)
	}
	if n := m.count("Stat"); n != 1 {
		t.Errorf("Stat was attempted %d times, want 1", n)
	}
}

func TestStatUsesCache(t *testing.T) {
	m := &mockAdminService{}
	c := setupMockServer(t, m, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := c.Stat(ctx, 7)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if st.Ino != 7 || st.Name != "f" {
			t.Errorf("Stat = %+v", st)
		}
	}
	if n := m.count("Stat"); n != 1 {
		t.Errorf("Stat reached the server %d times, want 1", n)
	}

	if err := c.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stat(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if n := m.count("Stat"); n != 2 {
		t.Errorf("Stat after Sync reached the server %d times in total, want 2", n)
	}
}

func TestStorageInfo(t *testing.T) {
	want := &storeinfo.Store{
		Class:     storeinfo.ClassDevice,
		Flags:     storeinfo.FlagInactive,
		BlockSize: 512,
		Name:      "disk.img",
		Runs:      []storeinfo.Run{{Start: 8, Length: 16}, {Start: storeinfo.Hole, Length: 8}},
	}
	m := &mockAdminService{store: want}
	c := setupMockServer(t, m, testConfig())

	req := wire.StorageRequest{Ino: 3, Cred: fs.Credentials{UID: 1000, GID: 1000, Groups: []uint32{10}}}
	got, err := c.StorageInfo(context.Background(), req)
	if err != nil {
		t.Fatalf("StorageInfo failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req, m.lastReq); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestStatCache(t *testing.T) {
	c := NewStatCache(2, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Store(wire.NodeStat{Ino: 1})
	now = now.Add(time.Second)
	c.Store(wire.NodeStat{Ino: 2})
	now = now.Add(time.Second)
	c.Store(wire.NodeStat{Ino: 3})

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("newest entry missing")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(2); ok {
		t.Error("expired entry returned")
	}

	disabled := NewStatCache(10, 0)
	disabled.Store(wire.NodeStat{Ino: 1})
	if disabled.Len() != 0 {
		t.Error("cache with zero TTL stored an entry")
	}
}
