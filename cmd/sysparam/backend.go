package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/KevoDB/sysparam/pkg/client"
	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/config"
	"github.com/KevoDB/sysparam/pkg/flash"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"github.com/KevoDB/sysparam/pkg/telemetry"
)

var errLocalOnly = errors.New("command needs a local device, not --remote")

// backend is the set of operations the commands run against, either a
// store on a local device or a remote server
type backend interface {
	GetData(ctx context.Context, key string) ([]byte, bool, error)
	SetData(ctx context.Context, key string, value []byte, binary bool) error
	Delete(ctx context.Context, key string) error
	Dump(ctx context.Context) ([]sysparam.Pair, error)
	Compact(ctx context.Context) error
	Info(ctx context.Context) (sysparam.Status, error)
	Statistics(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// localBackend is a store attached to a flash device
type localBackend struct {
	*sysparam.Store
	cfg    *config.Config
	dev    flash.Device
	tel    telemetry.Telemetry
	logger log.Logger
}

func openDevice(cfg *config.Config) (flash.Device, error) {
	switch cfg.DeviceType {
	case config.DeviceMemory:
		return flash.NewMemDevice(cfg.DeviceSize, cfg.BlockSize)
	default:
		return flash.OpenFileDevice(cfg.ImagePath, cfg.DeviceSize, cfg.BlockSize, cfg.SyncWrites)
	}
}

// openLocal opens the configured device. With attach set the store is
// initialized, creating the area first when none exists and AutoCreate is
// on.
func openLocal(ctx context.Context, cfg *config.Config, logger log.Logger, attach bool) (*localBackend, error) {
	dev, err := openDevice(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash device: %w", err)
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		closeDevice(dev)
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	b := &localBackend{
		Store:  sysparam.New(dev, sysparam.WithLogger(logger), sysparam.WithTelemetry(tel)),
		cfg:    cfg,
		dev:    dev,
		tel:    tel,
		logger: logger,
	}
	if !attach {
		return b, nil
	}

	if err := b.attach(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *localBackend) attach(ctx context.Context) error {
	err := b.Init(ctx, b.cfg.AreaBase, b.cfg.SearchTop())
	if errors.Is(err, sysparam.ErrNotFound) && b.cfg.AutoCreate {
		b.logger.Info("No parameter area found, creating one at 0x%08x", b.cfg.AreaBase)
		if err := b.CreateArea(ctx, b.cfg.AreaBase, b.cfg.RegionBlocks, false); err != nil {
			return fmt.Errorf("failed to create parameter area: %w", err)
		}
		err = b.Init(ctx, b.cfg.AreaBase, b.cfg.SearchTop())
	}
	if err != nil {
		return fmt.Errorf("failed to open parameter area: %w", err)
	}
	return nil
}

// reformat erases the configured area and attaches to the fresh one
func (b *localBackend) reformat(ctx context.Context) error {
	if err := b.CreateArea(ctx, b.cfg.AreaBase, b.cfg.RegionBlocks, true); err != nil {
		return err
	}
	return b.Init(ctx, b.cfg.AreaBase, b.cfg.SearchTop())
}

func (b *localBackend) Info(ctx context.Context) (sysparam.Status, error) {
	return b.Status()
}

func (b *localBackend) Statistics(ctx context.Context) (map[string]interface{}, error) {
	return b.Stats().GetStats(), nil
}

func (b *localBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.tel.Shutdown(ctx); err != nil {
		b.logger.Warn("Telemetry shutdown failed: %v", err)
	}
	return closeDevice(b.dev)
}

func closeDevice(dev flash.Device) error {
	if c, ok := dev.(flash.Closer); ok {
		return c.Close()
	}
	return nil
}

// remoteBackend forwards every operation to a server
type remoteBackend struct {
	c *client.Client
}

func openRemote(ctx context.Context, cfg *config.Config, endpoint string) (*remoteBackend, error) {
	options := client.DefaultClientOptions()
	options.Endpoint = endpoint
	options.TLSEnabled = cfg.TLSEnabled
	options.CertFile = cfg.TLSCertFile
	options.KeyFile = cfg.TLSKeyFile
	options.CAFile = cfg.TLSCAFile

	c, err := client.NewClient(options)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return &remoteBackend{c: c}, nil
}

func (r *remoteBackend) GetData(ctx context.Context, key string) ([]byte, bool, error) {
	return r.c.Get(ctx, key)
}

func (r *remoteBackend) SetData(ctx context.Context, key string, value []byte, binary bool) error {
	return r.c.Set(ctx, key, value, binary)
}

func (r *remoteBackend) Delete(ctx context.Context, key string) error {
	return r.c.Delete(ctx, key)
}

func (r *remoteBackend) Dump(ctx context.Context) ([]sysparam.Pair, error) {
	return r.c.List(ctx, "", 0)
}

func (r *remoteBackend) Compact(ctx context.Context) error {
	return r.c.Compact(ctx)
}

func (r *remoteBackend) Info(ctx context.Context) (sysparam.Status, error) {
	return r.c.Info(ctx)
}

func (r *remoteBackend) Statistics(ctx context.Context) (map[string]interface{}, error) {
	return r.c.Stats(ctx)
}

func (r *remoteBackend) Close() error {
	return r.c.Close()
}

// open returns the backend the flags select
func (c *cli) open(ctx context.Context) (backend, error) {
	if c.remote != "" {
		return openRemote(ctx, c.cfg, c.remote)
	}
	return openLocal(ctx, c.cfg, c.logger, true)
}

// openLocal refuses --remote for commands that need the device itself
func (c *cli) openLocal(ctx context.Context, attach bool) (*localBackend, error) {
	if c.remote != "" {
		return nil, errLocalOnly
	}
	return openLocal(ctx, c.cfg, c.logger, attach)
}

// flattenStats turns nested statistics maps into dotted keys, sorted
func flattenStats(stats map[string]interface{}) []string {
	var lines []string
	var walk func(prefix string, v interface{})
	walk = func(prefix string, v interface{}) {
		switch m := v.(type) {
		case map[string]interface{}:
			for k, sub := range m {
				walk(prefix+"."+k, sub)
			}
		case map[string]uint64:
			for k, sub := range m {
				walk(prefix+"."+k, sub)
			}
		default:
			lines = append(lines, fmt.Sprintf("%s: %v", prefix, v))
		}
	}
	for k, v := range stats {
		walk(k, v)
	}
	sort.Strings(lines)
	return lines
}
