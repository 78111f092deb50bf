package main

import (
	"fmt"
	"strings"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const version = "1.0.0"

// flagKeys maps command line flags to configuration keys. Flags override
// the config file and the environment when set.
var flagKeys = map[string]string{
	"device":        "device_type",
	"image":         "image_path",
	"device-size":   "device_size",
	"block-size":    "block_size",
	"area-base":     "area_base",
	"area-top":      "area_top",
	"region-blocks": "region_blocks",
	"create":        "auto_create",
	"log-level":     "log_level",
	"listen":        "listen_addr",
	"tls":           "tls_enabled",
	"tls-cert":      "tls_cert_file",
	"tls-key":       "tls_key_file",
	"tls-ca":        "tls_ca_file",
}

// cli holds what every command needs once flags are parsed
type cli struct {
	cfg    *config.Config
	logger log.Logger
	remote string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "sysparam",
		Short: "Inspect and edit a flash parameter area",
		Long: WrapString("sysparam stores key/value parameters in a pair of flash regions. " +
			"Commands work on a flash image file (or an in-memory device) unless --remote " +
			"names a server started with \"sysparam serve\"."),
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (json, yaml or toml)")
	flags.String("device", config.DeviceFile, "flash device type (file or memory)")
	flags.String("image", "sysparam.img", "flash image path")
	flags.String("device-size", "", "flash size in bytes, used when the image is created")
	flags.String("block-size", "", "flash erase block size in bytes")
	flags.String("area-base", "", "parameter area base address (e.g. 0x1fa000)")
	flags.String("area-top", "", "end of the area search range (default: end of device)")
	flags.Uint16("region-blocks", 1, "blocks per region when an area is created")
	flags.Bool("create", true, "create the parameter area when none is found")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("remote", "", "address of a sysparam server to use instead of a local device")

	root.AddCommand(
		newGetCmd(c),
		newSetCmd(c),
		newDeleteCmd(c),
		newDumpCmd(c),
		newCompactCmd(c),
		newFormatCmd(c),
		newInfoCmd(c),
		newStatsCmd(c),
		newExportCmd(c),
		newImportCmd(c),
		newShellCmd(c),
		newServeCmd(c),
	)
	return root
}

// load builds the configuration from defaults, the environment, the config
// file and the flags that were set on the command line
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewLoader(configFile)
	if err != nil {
		return err
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	})

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	level, _ := log.ParseLevel(cfg.LogLevel)

	c.cfg = cfg
	c.logger = log.NewStandardLogger(log.WithLevel(level), log.WithOutput(cmd.ErrOrStderr()))
	c.remote, _ = cmd.Flags().GetString("remote")
	return nil
}

// WrapString wraps text at 80 columns for command help
func WrapString(text string) string {
	const width = 80
	var b strings.Builder
	col := 0
	for _, word := range strings.Fields(text) {
		if col > 0 && col+1+len(word) > width {
			b.WriteByte('\n')
			col = 0
		} else if col > 0 {
			b.WriteByte(' ')
			col++
		}
		b.WriteString(word)
		col += len(word)
	}
	return b.String()
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
