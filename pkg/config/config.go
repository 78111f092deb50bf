package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	CurrentConfigVersion = 1

	// EnvPrefix is prepended to every environment override, e.g.
	// SYSPARAM_AREA_BASE or SYSPARAM_TELEMETRY_ENABLED
	EnvPrefix = "sysparam"

	maxRegionBlocks = 0x0fff
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// Device types
const (
	DeviceFile   = "file"
	DeviceMemory = "memory"
)

type Config struct {
	Version int `json:"version" mapstructure:"version"`

	// Flash device
	DeviceType string `json:"device_type" mapstructure:"device_type"`
	ImagePath  string `json:"image_path" mapstructure:"image_path"`
	DeviceSize uint32 `json:"device_size" mapstructure:"device_size"`
	BlockSize  uint32 `json:"block_size" mapstructure:"block_size"`
	SyncWrites bool   `json:"sync_writes" mapstructure:"sync_writes"`

	// Parameter area. Init searches [AreaBase, AreaTop); 0 means the end
	// of the device.
	AreaBase     uint32 `json:"area_base" mapstructure:"area_base"`
	AreaTop      uint32 `json:"area_top" mapstructure:"area_top"`
	RegionBlocks uint16 `json:"region_blocks" mapstructure:"region_blocks"`
	AutoCreate   bool   `json:"auto_create" mapstructure:"auto_create"`

	// gRPC server
	ListenAddr      string        `json:"listen_addr" mapstructure:"listen_addr"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLSEnabled      bool          `json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSCertFile     string        `json:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `json:"tls_key_file" mapstructure:"tls_key_file"`
	TLSCAFile       string        `json:"tls_ca_file" mapstructure:"tls_ca_file"`

	LogLevel string `json:"log_level" mapstructure:"log_level"`

	Telemetry telemetry.Config `json:"telemetry" mapstructure:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config for a flash image at imagePath. The
// layout mirrors a 2MB SPI flash with the area just below the last 16KB.
func NewDefaultConfig(imagePath string) *Config {
	return &Config{
		Version: CurrentConfigVersion,

		DeviceType: DeviceFile,
		ImagePath:  imagePath,
		DeviceSize: 2 * 1024 * 1024,
		BlockSize:  4096,
		SyncWrites: true,

		AreaBase:     0x1fa000,
		AreaTop:      0,
		RegionBlocks: 1,
		AutoCreate:   true,

		ListenAddr:      "localhost:50051",
		MaxConnections:  100,
		ShutdownTimeout: 10 * time.Second,

		LogLevel: "info",

		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	switch c.DeviceType {
	case DeviceFile:
		if c.ImagePath == "" {
			return fmt.Errorf("%w: image path not specified", ErrInvalidConfig)
		}
	case DeviceMemory:
	default:
		return fmt.Errorf("%w: unknown device type %q", ErrInvalidConfig, c.DeviceType)
	}

	if c.BlockSize == 0 || c.BlockSize%4 != 0 {
		return fmt.Errorf("%w: block size must be a positive multiple of 4", ErrInvalidConfig)
	}

	if c.DeviceSize == 0 || c.DeviceSize%c.BlockSize != 0 {
		return fmt.Errorf("%w: device size must be a positive multiple of the block size", ErrInvalidConfig)
	}

	if c.RegionBlocks == 0 || c.RegionBlocks > maxRegionBlocks {
		return fmt.Errorf("%w: region blocks must be between 1 and %d", ErrInvalidConfig, maxRegionBlocks)
	}

	if c.AreaBase%c.BlockSize != 0 {
		return fmt.Errorf("%w: area base 0x%x is not block aligned", ErrInvalidConfig, c.AreaBase)
	}

	areaEnd := uint64(c.AreaBase) + 2*uint64(c.RegionBlocks)*uint64(c.BlockSize)
	if areaEnd > uint64(c.DeviceSize) {
		return fmt.Errorf("%w: area 0x%x-0x%x exceeds the device", ErrInvalidConfig, c.AreaBase, areaEnd)
	}

	if c.AreaTop != 0 && (c.AreaTop <= c.AreaBase || c.AreaTop > c.DeviceSize) {
		return fmt.Errorf("%w: area top 0x%x outside (area base, device size]", ErrInvalidConfig, c.AreaTop)
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("%w: tls requires a certificate and key file", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// SearchTop returns the end of the Init search range
func (c *Config) SearchTop() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AreaTop == 0 {
		return c.DeviceSize
	}
	return c.AreaTop
}

// NewLoader returns a viper instance holding the defaults, environment
// overrides (SYSPARAM_*, including .env and .env.local files) and, when
// configFile is set, that file. Callers may bind command line flags to it
// before calling Decode.
func NewLoader(configFile string) (*viper.Viper, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v, NewDefaultConfig("sysparam.img"))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configFile)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("device_type", d.DeviceType)
	v.SetDefault("image_path", d.ImagePath)
	v.SetDefault("device_size", d.DeviceSize)
	v.SetDefault("block_size", d.BlockSize)
	v.SetDefault("sync_writes", d.SyncWrites)
	v.SetDefault("area_base", d.AreaBase)
	v.SetDefault("area_top", d.AreaTop)
	v.SetDefault("region_blocks", d.RegionBlocks)
	v.SetDefault("auto_create", d.AutoCreate)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("tls_enabled", d.TLSEnabled)
	v.SetDefault("tls_cert_file", d.TLSCertFile)
	v.SetDefault("tls_key_file", d.TLSKeyFile)
	v.SetDefault("tls_ca_file", d.TLSCAFile)
	v.SetDefault("log_level", d.LogLevel)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.enabled", t.Enabled)
	v.SetDefault("telemetry.exporters", t.Exporters)
	v.SetDefault("telemetry.sample_rate", t.SampleRate)
	v.SetDefault("telemetry.prometheus_port", t.PrometheusPort)
	v.SetDefault("telemetry.otlp_endpoint", t.OTLPEndpoint)
	v.SetDefault("telemetry.export_timeout", t.ExportTimeout)
	v.SetDefault("telemetry.batch_timeout", t.BatchTimeout)
	v.SetDefault("telemetry.max_queue_size", t.MaxQueueSize)
	v.SetDefault("telemetry.max_export_batch_size", t.MaxExportBatchSize)
}

// Decode builds and validates a Config from a loader
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration from defaults, the environment and the
// optional configFile
func Load(configFile string) (*Config, error) {
	v, err := NewLoader(configFile)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Save writes the configuration as JSON, replacing path atomically
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
