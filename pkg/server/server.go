// Package server implements the diskpager admin service
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/diskpager/pkg/api"
	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/fs/local"
	"github.com/example/diskpager/pkg/pager"
	"github.com/example/diskpager/pkg/storeinfo"
	"github.com/example/diskpager/pkg/wire"
)

// Config contains the admin server configuration
type Config struct {
	// Network address to listen on (e.g. "127.0.0.1:7070")
	ListenAddress string

	// Maximum concurrent requests
	MaxConcurrent int

	// Maximum simultaneous connections; zero means no limit
	MaxConnections int

	// Enable root squashing (map root to anonymous user)
	EnableRootSquash bool

	// Anonymous user ID
	AnonUID uint32

	// Anonymous group ID
	AnonGID uint32

	Logger *logrus.Entry
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:    "127.0.0.1:7070",
		MaxConcurrent:    16,
		MaxConnections:   64,
		EnableRootSquash: true,
		AnonUID:          65534, // nobody
		AnonGID:          65534, // nogroup
	}
}

// AdminServer implements the admin service over a pager manager, the
// filesystem it pages for, and the extent reporter.
type AdminServer struct {
	api.UnimplementedAdminServer

	// Configuration
	config *Config

	manager  *pager.Manager
	store    *local.Store
	reporter *storeinfo.Reporter
	log      *logrus.Entry

	// Worker pool for limiting concurrent requests
	workerPool chan struct{}

	mu         sync.Mutex
	grpcServer *grpc.Server
	stopped    bool

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewAdminServer creates a new admin server
func NewAdminServer(config *Config, manager *pager.Manager, store *local.Store, reporter *storeinfo.Reporter) (*AdminServer, error) {
	if config.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent requests %d: %w", config.MaxConcurrent, fs.ErrInvalid)
	}
	log := config.Logger
	if log == nil {
		log = logrus.WithField("component", "server")
	}

	// Create worker pool for controlling concurrency
	workerPool := make(chan struct{}, config.MaxConcurrent)

	return &AdminServer{
		config:     config,
		manager:    manager,
		store:      store,
		reporter:   reporter,
		log:        log,
		workerPool: workerPool,
		shutdown:   make(chan struct{}),
	}, nil
}

// Start listens on the configured address and serves until Stop.
func (s *AdminServer) Start() error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if s.config.MaxConnections > 0 {
		lis = netutil.LimitListener(lis, s.config.MaxConnections)
	}
	return s.Serve(lis)
}

// Serve serves the admin service on lis until Stop.
func (s *AdminServer) Serve(lis net.Listener) error {
	grpcServer := grpc.NewServer()
	api.RegisterAdminServer(grpcServer, s)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return lis.Close()
	}
	s.grpcServer = grpcServer
	s.mu.Unlock()

	s.log.WithField("address", lis.Addr().String()).Info("admin server starting")
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop waits for in-flight requests and stops serving.
func (s *AdminServer) Stop() {
	s.mu.Lock()
	s.stopped = true
	grpcServer := s.grpcServer
	s.mu.Unlock()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

// ShutdownRequested is closed once a Shutdown request has succeeded.
func (s *AdminServer) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// acquireWorker gets a worker from the pool or times out
func (s *AdminServer) acquireWorker(ctx context.Context) error {
	select {
	case s.workerPool <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseWorker returns a worker to the pool
func (s *AdminServer) releaseWorker() {
	<-s.workerPool
}

// processRequest handles common request processing logic
func (s *AdminServer) processRequest(ctx context.Context, op string,
	process func() (interface{}, error)) (interface{}, error) {

	reqID := uuid.NewString()
	clientAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		clientAddr = p.Addr.String()
	}

	wire.LogRequest(op, reqID, clientAddr)
	startTime := time.Now()

	// Acquire worker
	if err := s.acquireWorker(ctx); err != nil {
		wire.LogError(op, reqID, err)
		return nil, wire.ErrorToStatus(err)
	}
	defer s.releaseWorker()

	// Execute the operation
	result, err := process()

	duration := time.Since(startTime)
	code := codes.OK
	if err != nil {
		wire.LogError(op, reqID, err)
		code = wire.MapErrorToCode(err)
		err = wire.ErrorToStatus(err)
	}
	wire.LogResponse(op, reqID, code, duration.String())
	return result, err
}

// squash applies root squashing to cred
func (s *AdminServer) squash(cred fs.Credentials) fs.Credentials {
	if s.config.EnableRootSquash && cred.UID == 0 {
		cred.UID = s.config.AnonUID
		cred.GID = s.config.AnonGID
	}
	return cred
}

// node resolves a file named by inode number or handle
func (s *AdminServer) node(ino uint64, handle string) (*local.Node, error) {
	if ino != 0 {
		return s.store.Node(ino)
	}
	h, err := fs.ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	return s.store.NodeByHandle(h)
}

// Sync implements the Sync RPC method
func (s *AdminServer) Sync(ctx context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	_, err := s.processRequest(ctx, "Sync", func() (interface{}, error) {
		return nil, s.manager.SyncAll(req.GetValue())
	})
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Shutdown implements the Shutdown RPC method
func (s *AdminServer) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	_, err := s.processRequest(ctx, "Shutdown", func() (interface{}, error) {
		return nil, s.manager.ShutdownAll()
	})
	if err != nil {
		return nil, err
	}
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	return &emptypb.Empty{}, nil
}

// StorageInfo implements the StorageInfo RPC method
func (s *AdminServer) StorageInfo(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	result, err := s.processRequest(ctx, "StorageInfo", func() (interface{}, error) {
		r, err := wire.StructToStorageRequest(req)
		if err != nil {
			return nil, err
		}
		node, err := s.node(r.Ino, r.Handle)
		if err != nil {
			return nil, err
		}
		enc, err := s.reporter.StorageInfo(node, s.squash(r.Cred), fs.OpenFlags{Read: true, Write: r.Write})
		if err != nil {
			return nil, err
		}
		return wrapperspb.Bytes(enc.Marshal()), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*wrapperspb.BytesValue), nil
}

// Stat implements the Stat RPC method
func (s *AdminServer) Stat(ctx context.Context, req *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	result, err := s.processRequest(ctx, "Stat", func() (interface{}, error) {
		node, err := s.store.Node(req.GetValue())
		if err != nil {
			return nil, err
		}
		return wire.NodeStatToStruct(s.nodeStat(node))
	})
	if err != nil {
		return nil, err
	}
	return result.(*structpb.Struct), nil
}

func (s *AdminServer) nodeStat(node *local.Node) wire.NodeStat {
	lock := node.AllocLock()
	lock.RLock()
	allocSize := node.AllocSize()
	lock.RUnlock()

	st := wire.NodeStat{
		Ino:        node.Ino(),
		Name:       node.Name(),
		Handle:     s.store.Handle(node).String(),
		Size:       node.Size(),
		AllocSize:  allocSize,
		StatBlocks: node.StatBlocks(),
	}
	if vs, ok := s.manager.PagerStats(node); ok {
		st.Pager = &wire.PagerStat{
			Resident:    vs.Resident,
			Dirty:       vs.Dirty,
			WriteLocked: vs.WriteLocked,
			Refs:        vs.Refs,
			MayCache:    vs.MayCache,
			Copy:        vs.Copy.String(),
			Shutdown:    vs.Shutdown,
		}
		if obj := s.manager.FilemapObject(node); obj != nil {
			if _, size, err := obj.Extent(); err == nil {
				st.Pager.ExtentSize = size
			}
		}
	}
	return st
}

// Status implements the Status RPC method
func (s *AdminServer) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	result, err := s.processRequest(ctx, "Status", func() (interface{}, error) {
		sb := s.store.Superblock()
		dev := s.store.Device()
		return wire.StatusToStruct(wire.Status{
			FileSystemID: sb.FileSystemID,
			BlockSize:    sb.BlockSize,
			PageSize:     s.manager.Geometry().PageSize,
			BlocksCount:  sb.BlocksCount,
			FreeBlocks:   sb.FreeBlocks,
			DeviceName:   dev.Name(),
			DeviceSize:   dev.Size(),
			FilePagers:   s.manager.FilePagers(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result.(*structpb.Struct), nil
}
