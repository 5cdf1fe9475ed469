package client

import (
	"context"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/diskpager/pkg/storeinfo"
	"github.com/example/diskpager/pkg/wire"
)

// Sync implements Admin.Sync
func (c *Client) Sync(ctx context.Context, wait bool) error {
	err := c.callWithRetry(ctx, "Sync", func(ctx context.Context) error {
		_, err := c.admin.Sync(ctx, wrapperspb.Bool(wait))
		return err
	})
	c.statCache.Invalidate()
	return err
}

// Shutdown implements Admin.Shutdown
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.callWithRetry(ctx, "Shutdown", func(ctx context.Context) error {
		_, err := c.admin.Shutdown(ctx, &emptypb.Empty{})
		return err
	})
	c.statCache.Invalidate()
	return err
}

// StorageInfo implements Admin.StorageInfo
func (c *Client) StorageInfo(ctx context.Context, req wire.StorageRequest) (*storeinfo.Store, error) {
	msg, err := wire.StorageRequestToStruct(req)
	if err != nil {
		return nil, err
	}
	var resp *wrapperspb.BytesValue
	err = c.callWithRetry(ctx, "StorageInfo", func(ctx context.Context) error {
		var err error
		resp, err = c.admin.StorageInfo(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	enc, err := storeinfo.UnmarshalEncoding(resp.GetValue())
	if err != nil {
		return nil, err
	}
	return storeinfo.Decode(enc)
}

// Stat implements Admin.Stat. Results are served from the stat cache
// while fresh.
func (c *Client) Stat(ctx context.Context, ino uint64) (wire.NodeStat, error) {
	if st, ok := c.statCache.Get(ino); ok {
		return st, nil
	}
	var resp *structpb.Struct
	err := c.callWithRetry(ctx, "Stat", func(ctx context.Context) error {
		var err error
		resp, err = c.admin.Stat(ctx, wrapperspb.UInt64(ino))
		return err
	})
	if err != nil {
		return wire.NodeStat{}, err
	}
	st, err := wire.StructToNodeStat(resp)
	if err != nil {
		return wire.NodeStat{}, err
	}
	c.statCache.Store(st)
	return st, nil
}

// Status implements Admin.Status
func (c *Client) Status(ctx context.Context) (wire.Status, error) {
	var resp *structpb.Struct
	err := c.callWithRetry(ctx, "Status", func(ctx context.Context) error {
		var err error
		resp, err = c.admin.Status(ctx, &emptypb.Empty{})
		return err
	})
	if err != nil {
		return wire.Status{}, err
	}
	return wire.StructToStatus(resp)
}
