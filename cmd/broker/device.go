package main

import (
	"context"
	"fmt"

	"github.com/kadirpekel/devicebroker/pkg/config"
	"github.com/kadirpekel/devicebroker/pkg/devicetool/grpcdevice"
	"github.com/kadirpekel/devicebroker/pkg/devicetool/mcpdevice"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/repository"
)

// DeviceRegisterCmd registers one device directly against the broker's
// store, without going through a running server: the same offline
// operation a fleet operator runs before the device ever calls in.
type DeviceRegisterCmd struct {
	DeviceID       string   `required:"" help:"Unique device identifier."`
	SourceRef      string   `required:"" help:"Capability-source endpoint reference (MCP URL, or grpc://host:port)."`
	Kind           string   `help:"Device kind, e.g. camera, thermostat."`
	Name           string   `help:"Human-readable device name."`
	IntentKeywords []string `help:"Keywords the Intent Router matches against this device."`
	SystemPrompt   string   `help:"System prompt used when routing to this device."`

	Driver   string `help:"Database driver (sqlite, postgres, mysql)." default:"sqlite"`
	DSN      string `help:"Database connection string." default:".devicebroker/devicebroker.db"`
}

func (c *DeviceRegisterCmd) Run(cli *CLI) error {
	ctx := context.Background()

	db, dialect, err := openDatabase(config.DatabaseConfig{Driver: c.Driver, DSN: c.DSN})
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := repository.NewSQLRepository(db, dialect)
	if err != nil {
		return fmt.Errorf("devicebroker: repository: %w", err)
	}

	port := newRoutedPort(grpcdevice.New(grpcdevice.Config{}), mcpdevice.New(mcpdevice.Config{}))
	devices := registry.New(registry.Config{Repository: repo, Probe: newCapabilityProbe(port)})
	if err := devices.Load(ctx); err != nil {
		return fmt.Errorf("devicebroker: load devices: %w", err)
	}

	device, err := devices.Register(ctx, registry.DeviceSpec{
		DeviceID:       c.DeviceID,
		Name:           c.Name,
		Kind:           c.Kind,
		SourceRef:      c.SourceRef,
		IntentKeywords: c.IntentKeywords,
		SystemPrompt:   c.SystemPrompt,
	})
	if err != nil {
		return fmt.Errorf("devicebroker: register device: %w", err)
	}

	fmt.Printf("devicebroker: registered device %s (%d tools discovered)\n", device.DeviceID, len(device.Tools))
	return nil
}
