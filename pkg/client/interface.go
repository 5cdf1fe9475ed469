package client

import (
	"context"

	"github.com/example/diskpager/pkg/storeinfo"
	"github.com/example/diskpager/pkg/wire"
)

// Admin defines the interface for admin client operations
type Admin interface {
	// Sync writes every pager back. With wait set it returns once the data
	// is on the device.
	Sync(ctx context.Context, wait bool) error

	// Shutdown writes every pager back and stops them taking faults
	Shutdown(ctx context.Context) error

	// StorageInfo returns the store descriptor of one file
	StorageInfo(ctx context.Context, req wire.StorageRequest) (*storeinfo.Store, error)

	// Stat describes one file and its pager
	Stat(ctx context.Context, ino uint64) (wire.NodeStat, error)

	// Status describes the filesystem and the pager set
	Status(ctx context.Context) (wire.Status, error)

	// Close closes the client connection
	Close() error
}
