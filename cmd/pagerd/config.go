package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/fs/local"
	"github.com/example/diskpager/pkg/pager"
	"github.com/example/diskpager/pkg/server"
	"github.com/example/diskpager/pkg/storeinfo"
)

// Settings is the daemon configuration as read from the TOML file.
// Command line flags override it.
type Settings struct {
	Image    string `toml:"image"`
	Metadata string `toml:"metadata"`

	PageSize     int `toml:"page_size"`
	BlockSize    int `toml:"block_size"`
	SectorSize   int `toml:"sector_size"`
	DirectBlocks int `toml:"direct_blocks"`

	// StoreClass is the class reported in store descriptors.
	StoreClass string `toml:"store_class"`

	DisableCache bool          `toml:"disable_cache"`
	SyncInterval time.Duration `toml:"sync_interval"`

	Admin AdminSettings `toml:"admin"`
	Mount MountSettings `toml:"mount"`
}

// AdminSettings configures the admin service.
type AdminSettings struct {
	Listen         string `toml:"listen"`
	MaxConcurrent  int    `toml:"max_concurrent"`
	MaxConnections int    `toml:"max_connections"`
	RootSquash     bool   `toml:"root_squash"`
	AnonUID        uint32 `toml:"anon_uid"`
	AnonGID        uint32 `toml:"anon_gid"`
}

// MountSettings configures the optional FUSE mount.
type MountSettings struct {
	Point      string `toml:"point"`
	ReadOnly   bool   `toml:"read_only"`
	AllowOther bool   `toml:"allow_other"`
	Debug      bool   `toml:"debug"`
}

func defaultSettings() Settings {
	geom := fs.DefaultGeometry()
	admin := server.DefaultConfig()
	return Settings{
		PageSize:     geom.PageSize,
		BlockSize:    geom.FSBlockSize,
		SectorSize:   geom.DevBlockSize,
		DirectBlocks: local.DefaultConfig().DirectBlocks,
		StoreClass:   storeinfo.ClassDevice.String(),
		SyncInterval: 30 * time.Second,
		Admin: AdminSettings{
			Listen:         admin.ListenAddress,
			MaxConcurrent:  admin.MaxConcurrent,
			MaxConnections: admin.MaxConnections,
			RootSquash:     admin.EnableRootSquash,
			AnonUID:        admin.AnonUID,
			AnonGID:        admin.AnonGID,
		},
	}
}

// loadSettings returns the defaults overlaid with the file at path, if any.
func loadSettings(path string) (Settings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return s, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logrus.WithField("keys", undecoded).Warn("ignoring unknown config keys")
	}
	return s, nil
}

func (s Settings) geometry() (fs.Geometry, error) {
	geom := fs.Geometry{
		PageSize:     s.PageSize,
		FSBlockSize:  s.BlockSize,
		DevBlockSize: s.SectorSize,
	}
	return geom, geom.Validate()
}

func (s Settings) metadataPath() string {
	if s.Metadata != "" {
		return s.Metadata
	}
	return s.Image + ".db"
}

func (s Settings) storeConfig(geom fs.Geometry) local.Config {
	return local.Config{
		Geometry:     geom,
		MetadataPath: s.metadataPath(),
		DirectBlocks: s.DirectBlocks,
		Logger:       logrus.WithField("component", "local"),
	}
}

func (s Settings) pagerConfig(geom fs.Geometry) pager.Config {
	cfg := pager.DefaultConfig()
	cfg.Geometry = geom
	cfg.DisableCache = s.DisableCache
	cfg.Logger = logrus.WithField("component", "pager")
	return cfg
}

func (s Settings) reporterConfig(geom fs.Geometry) storeinfo.Config {
	cfg := storeinfo.DefaultConfig()
	cfg.Geometry = geom
	cfg.Logger = logrus.WithField("component", "storeinfo")
	return cfg
}

func (s Settings) serverConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddress = s.Admin.Listen
	cfg.MaxConcurrent = s.Admin.MaxConcurrent
	cfg.MaxConnections = s.Admin.MaxConnections
	cfg.EnableRootSquash = s.Admin.RootSquash
	cfg.AnonUID = s.Admin.AnonUID
	cfg.AnonGID = s.Admin.AnonGID
	cfg.Logger = logrus.WithField("component", "server")
	return cfg
}
