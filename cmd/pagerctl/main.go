// Command pagerctl talks to a running pagerd over its admin service.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/example/diskpager/pkg/client"
	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/storeinfo"
	"github.com/example/diskpager/pkg/wire"
)

// Globals are the flags shared by every command.
type Globals struct {
	Server  string        `help:"Admin service address." default:"127.0.0.1:7070" short:"s"`
	Timeout time.Duration `help:"Per-request timeout." default:"30s"`
	Retries int           `help:"Retries when the server is unavailable." default:"3"`
	Verbose bool          `help:"Log retries." short:"v"`
}

func (g *Globals) connect() (*client.Client, error) {
	config := client.DefaultConfig()
	config.ServerAddress = g.Server
	config.Timeout = g.Timeout
	config.MaxRetries = g.Retries
	return client.NewClient(config)
}

// CLI is the pagerctl command line.
var CLI struct {
	Globals

	Sync        SyncCmd        `cmd:"" help:"Write every pager back to the device."`
	Shutdown    ShutdownCmd    `cmd:"" help:"Write every pager back and stop the server."`
	StorageInfo StorageInfoCmd `cmd:"" name:"storage-info" help:"Print where a file's blocks live on the device."`
	Stat        StatCmd        `cmd:"" help:"Describe a file and its pager."`
	Status      StatusCmd      `cmd:"" help:"Describe the filesystem."`
}

// SyncCmd requests a sync.
type SyncCmd struct {
	Wait bool `help:"Return once the data is on the device."`
}

// Run syncs.
func (c *SyncCmd) Run(ctx context.Context, cl client.Admin) error {
	if err := cl.Sync(ctx, c.Wait); err != nil {
		return err
	}
	fmt.Println("synced")
	return nil
}

// ShutdownCmd requests a shutdown.
type ShutdownCmd struct{}

// Run shuts the server down.
func (c *ShutdownCmd) Run(ctx context.Context, cl client.Admin) error {
	if err := cl.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("shut down")
	return nil
}

// StorageInfoCmd asks for a file's store descriptor.
type StorageInfoCmd struct {
	Ino    uint64   `arg:"" optional:"" help:"Inode number."`
	Handle string   `help:"File handle in hex, instead of an inode number."`
	UID    uint32   `help:"Caller user ID." name:"uid"`
	GID    uint32   `help:"Caller group ID." name:"gid"`
	Groups []uint32 `help:"Supplementary group IDs."`
	Write  bool     `help:"Ask for write access."`
}

// Run prints the descriptor.
func (c *StorageInfoCmd) Run(ctx context.Context, cl client.Admin) error {
	if c.Ino == 0 && c.Handle == "" {
		return fmt.Errorf("an inode number or --handle is required: %w", fs.ErrInvalid)
	}
	store, err := cl.StorageInfo(ctx, wire.StorageRequest{
		Ino:    c.Ino,
		Handle: c.Handle,
		Cred:   fs.Credentials{UID: c.UID, GID: c.GID, Groups: c.Groups},
		Write:  c.Write,
	})
	if err != nil {
		return err
	}
	printStore(store)
	return nil
}

func printStore(s *storeinfo.Store) {
	port := s.Port
	if port == "" {
		port = "-"
	}
	fmt.Printf("class:      %s\n", s.Class)
	fmt.Printf("flags:      %s\n", flagNames(s.Flags))
	fmt.Printf("name:       %s\n", s.Name)
	fmt.Printf("port:       %s\n", port)
	fmt.Printf("block size: %d\n", s.BlockSize)
	fmt.Printf("size:       %s\n", humanize.IBytes(uint64(s.Size())))

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "START\tLENGTH")
	for _, r := range s.Runs {
		start := fmt.Sprint(r.Start)
		if r.Start == storeinfo.Hole {
			start = "hole"
		}
		fmt.Fprintf(w, "%s\t%d\n", start, r.Length)
	}
	w.Flush()
}

func flagNames(f storeinfo.Flags) string {
	var names []string
	for _, fl := range []struct {
		flag storeinfo.Flags
		name string
	}{
		{storeinfo.FlagReadonly, "readonly"},
		{storeinfo.FlagEnforced, "enforced"},
		{storeinfo.FlagInactive, "inactive"},
	} {
		if f&fl.flag != 0 {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

// StatCmd asks about one file.
type StatCmd struct {
	Ino uint64 `arg:"" help:"Inode number."`
}

// Run prints the file's state.
func (c *StatCmd) Run(ctx context.Context, cl client.Admin) error {
	st, err := cl.Stat(ctx, c.Ino)
	if err != nil {
		return err
	}
	fmt.Printf("ino:         %d\n", st.Ino)
	fmt.Printf("name:        %s\n", st.Name)
	fmt.Printf("handle:      %s\n", st.Handle)
	fmt.Printf("size:        %d\n", st.Size)
	fmt.Printf("allocated:   %d\n", st.AllocSize)
	fmt.Printf("stat blocks: %d\n", st.StatBlocks)
	if p := st.Pager; p != nil {
		fmt.Printf("pager:       %d resident, %d dirty, %d write-locked, %d refs\n",
			p.Resident, p.Dirty, p.WriteLocked, p.Refs)
		fmt.Printf("             copy=%s may-cache=%t shutdown=%t extent=%d\n",
			p.Copy, p.MayCache, p.Shutdown, p.ExtentSize)
	} else {
		fmt.Printf("pager:       none\n")
	}
	return nil
}

// StatusCmd asks about the filesystem.
type StatusCmd struct{}

// Run prints the filesystem state.
func (c *StatusCmd) Run(ctx context.Context, cl client.Admin) error {
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fsid:        %08x\n", st.FileSystemID)
	fmt.Printf("device:      %s (%s)\n", st.DeviceName, humanize.IBytes(uint64(st.DeviceSize)))
	fmt.Printf("block size:  %d\n", st.BlockSize)
	fmt.Printf("page size:   %d\n", st.PageSize)
	fmt.Printf("blocks:      %d total, %d free\n", st.BlocksCount, st.FreeBlocks)
	fmt.Printf("file pagers: %d\n", st.FilePagers)
	return nil
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("pagerctl"),
		kong.Description("Control a running pagerd"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if CLI.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cl, err := CLI.connect()
	kctx.FatalIfErrorf(err)

	kctx.BindTo(context.Background(), (*context.Context)(nil))
	kctx.BindTo(cl, (*client.Admin)(nil))
	err = kctx.Run()
	cl.Close()
	kctx.FatalIfErrorf(err)
}
