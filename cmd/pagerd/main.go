// Command pagerd formats and serves a paged block filesystem image.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/diskpager/pkg/device"
	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/fs/local"
	"github.com/example/diskpager/pkg/fuse"
	"github.com/example/diskpager/pkg/pager"
	"github.com/example/diskpager/pkg/server"
	"github.com/example/diskpager/pkg/storeinfo"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `help:"TOML configuration file." short:"c" type:"path"`
	LogLevel string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogJSON  bool   `help:"Log as JSON."`
}

// CLI is the pagerd command line.
var CLI struct {
	Globals

	Mkfs  MkfsCmd  `cmd:"" help:"Create a device image and an empty filesystem on it."`
	Serve ServeCmd `cmd:"" help:"Serve a filesystem image."`
}

// MkfsCmd creates a new image.
type MkfsCmd struct {
	Image    string `arg:"" help:"Device image to create." type:"path"`
	Size     string `help:"Image size, e.g. 64MiB." default:"64MiB"`
	Metadata string `help:"Metadata database (default: IMAGE.db)." type:"path"`
}

// Run formats the image.
func (c *MkfsCmd) Run(g *Globals) error {
	s, err := loadSettings(g.Config)
	if err != nil {
		return err
	}
	s.Image = c.Image
	if c.Metadata != "" {
		s.Metadata = c.Metadata
	}
	geom, err := s.geometry()
	if err != nil {
		return err
	}
	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", c.Size, err)
	}

	dev, err := device.Create(s.Image, int64(size), device.Options{
		BlockSize: geom.DevBlockSize,
		Logger:    logrus.WithField("component", "device"),
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	store, err := local.Format(s.storeConfig(geom), dev)
	if err != nil {
		return err
	}
	sb := store.Superblock()
	logrus.WithFields(logrus.Fields{
		"image":    s.Image,
		"metadata": s.metadataPath(),
		"size":     humanize.IBytes(size),
		"blocks":   sb.BlocksCount,
		"fsid":     fmt.Sprintf("%08x", sb.FileSystemID),
	}).Info("created filesystem")
	return store.Close()
}

// ServeCmd serves an image until interrupted or asked to shut down.
type ServeCmd struct {
	Image      string        `arg:"" optional:"" help:"Device image to serve." type:"path"`
	Memory     string        `help:"Serve a fresh in-memory filesystem of this size instead of an image."`
	Listen     string        `help:"Admin service address."`
	MountPoint string        `help:"Mount the filesystem here through FUSE." type:"path"`
	ReadOnly   bool          `help:"Open the image read-only."`
	Sync       time.Duration `help:"Interval between background syncs, overriding the config file."`
}

// Run serves the filesystem.
func (c *ServeCmd) Run(g *Globals) error {
	s, err := loadSettings(g.Config)
	if err != nil {
		return err
	}
	c.apply(&s)
	if s.Image == "" && c.Memory == "" {
		return fmt.Errorf("an image or --memory is required: %w", fs.ErrInvalid)
	}
	geom, err := s.geometry()
	if err != nil {
		return err
	}

	dev, store, err := c.open(s, geom)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("failed to close metadata")
		}
		if f, ok := dev.(*device.File); ok {
			f.Close()
		}
	}()

	manager, err := pager.NewManager(s.pagerConfig(geom), dev, store, store)
	if err != nil {
		return err
	}
	class, err := storeinfo.ParseClass(s.StoreClass)
	if err != nil {
		return err
	}
	reporter, err := storeinfo.NewReporter(s.reporterConfig(geom), storeinfo.NewDeviceStore(dev, class), store)
	if err != nil {
		return err
	}
	srv, err := server.NewAdminServer(s.serverConfig(), manager, store, reporter)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(srv.Start)
	grp.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})
	grp.Go(func() error {
		select {
		case <-srv.ShutdownRequested():
			logrus.Info("shutdown requested over the admin service")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if s.Mount.Point != "" {
		pf := fuse.NewPagerFS(store, manager, logrus.WithField("component", "fuse"))
		grp.Go(func() error {
			return fuse.Mount(gctx, fuse.MountOptions{
				MountPoint: s.Mount.Point,
				ReadOnly:   s.Mount.ReadOnly,
				AllowOther: s.Mount.AllowOther,
				Debug:      s.Mount.Debug,
			}, pf)
		})
	}
	if s.SyncInterval > 0 {
		grp.Go(func() error {
			syncPeriodically(gctx, manager, s.SyncInterval)
			return nil
		})
	}

	err = grp.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logrus.Info("shutting down pagers")
	if serr := manager.ShutdownAll(); serr != nil {
		logrus.WithError(serr).Error("failed to write back all pagers")
		err = errors.Join(err, serr)
	}
	return err
}

// apply overrides settings with the flags given on the command line.
func (c *ServeCmd) apply(s *Settings) {
	if c.Image != "" {
		s.Image = c.Image
	}
	if c.Listen != "" {
		s.Admin.Listen = c.Listen
	}
	if c.MountPoint != "" {
		s.Mount.Point = c.MountPoint
	}
	if c.ReadOnly {
		s.Mount.ReadOnly = true
	}
	if c.Sync != 0 {
		s.SyncInterval = c.Sync
	}
}

// open returns the device and the store on it. With --memory both live
// in memory and are formatted fresh.
func (c *ServeCmd) open(s Settings, geom fs.Geometry) (fs.Device, *local.Store, error) {
	if c.Memory != "" {
		size, err := humanize.ParseBytes(c.Memory)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid size %q: %w", c.Memory, err)
		}
		dev := device.NewMem(int64(size), geom.DevBlockSize)
		cfg := s.storeConfig(geom)
		cfg.MetadataPath = ":memory:"
		store, err := local.Format(cfg, dev)
		if err != nil {
			return nil, nil, err
		}
		return dev, store, nil
	}

	dev, err := device.Open(s.Image, device.Options{
		BlockSize: geom.DevBlockSize,
		ReadOnly:  c.ReadOnly,
		Logger:    logrus.WithField("component", "device"),
	})
	if err != nil {
		return nil, nil, err
	}
	store, err := local.Open(s.storeConfig(geom), dev)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, store, nil
}

// syncPeriodically writes everything back every interval until ctx is done.
func syncPeriodically(ctx context.Context, manager *pager.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := manager.SyncAll(false); err != nil {
				logrus.WithError(err).Warn("periodic sync failed")
				continue
			}
			logrus.WithField("duration", time.Since(start)).Debug("periodic sync started")
		}
	}
}

func setupLogging(g *Globals) error {
	level, err := logrus.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if g.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pagerd"),
		kong.Description("Demand-paging server for a block filesystem image"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err := setupLogging(&CLI.Globals); err != nil {
		ctx.FatalIfErrorf(err)
	}
	ctx.FatalIfErrorf(ctx.Run(&CLI.Globals))
}
