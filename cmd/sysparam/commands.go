package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/KevoDB/sysparam/pkg/backup"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"github.com/spf13/cobra"
)

// withBackend opens the selected backend around fn
func (c *cli) withBackend(cmd *cobra.Command, fn func(b backend) error) error {
	b, err := c.open(cmd.Context())
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Long:  WrapString("Print the value of a key. Binary values are printed as hex."),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(b backend) error {
				value, bin, err := b.GetData(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printf(cmd, "%s\n", formatValue(value, bin))
				return nil
			})
		},
	}
}

func newSetCmd(c *cli) *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value under a key",
		Long: WrapString("Store a value under a key. With --hex the value is decoded from hex " +
			"and stored as binary data."),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := []byte(args[1])
			if asHex {
				var err error
				if value, err = hex.DecodeString(args[1]); err != nil {
					return fmt.Errorf("%w: value is not hex: %v", sysparam.ErrBadArguments, err)
				}
			}
			return c.withBackend(cmd, func(b backend) error {
				return b.SetData(cmd.Context(), args[0], value, asHex)
			})
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "value is hex encoded binary data")
	return cmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>...",
		Aliases: []string{"rm"},
		Short:   "Delete keys",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(b backend) error {
				for _, key := range args {
					if err := b.Delete(cmd.Context(), key); err != nil {
						return fmt.Errorf("failed to delete %q: %w", key, err)
					}
				}
				return nil
			})
		},
	}
}

func newDumpCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every key and value",
		Long: WrapString("Print every pair in storage order, one per line. Text values are " +
			"printed as key=value and binary values as key:hex."),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(b backend) error {
				pairs, err := b.Dump(cmd.Context())
				if err != nil {
					return err
				}
				writePairs(cmd.OutOrStdout(), pairs)
				return nil
			})
		},
	}
}

func newCompactCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Copy the live pairs into the stale region and swap regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(b backend) error {
				return b.Compact(cmd.Context())
			})
		},
	}
}

func newFormatCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create an empty parameter area",
		Long: WrapString("Create an empty parameter area at --area-base with --region-blocks " +
			"blocks per region. Without --force the area must be fully erased."),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.openLocal(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.CreateArea(cmd.Context(), c.cfg.AreaBase, c.cfg.RegionBlocks, force); err != nil {
				return err
			}
			printf(cmd, "Created parameter area at 0x%08x (%d blocks per region)\n", c.cfg.AreaBase, c.cfg.RegionBlocks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "erase the area even if it holds data")
	return cmd
}

func newInfoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the area layout and occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(b backend) error {
				st, err := b.Info(cmd.Context())
				if err != nil {
					return err
				}
				writeStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print operation statistics",
		Long: WrapString("Print operation statistics. Statistics are kept in memory, so for a " +
			"local device they only cover the current command; use --remote to read a server's."),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd, func(b backend) error {
				stats, err := b.Statistics(cmd.Context())
				if err != nil {
					return err
				}
				for _, line := range flattenStats(stats) {
					printf(cmd, "%s\n", line)
				}
				return nil
			})
		},
	}
}

func newExportCmd(c *cli) *cobra.Command {
	var codecName string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write every pair to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := backup.ParseCodec(codecName)
			if err != nil {
				return err
			}
			return c.withBackend(cmd, func(b backend) error {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create snapshot: %w", err)
				}
				res, err := backup.Export(cmd.Context(), b, f, c.backupOptions(b, backup.WithCodec(codec))...)
				if cerr := f.Close(); err == nil && cerr != nil {
					err = fmt.Errorf("failed to close snapshot: %w", cerr)
				}
				if err != nil {
					return err
				}
				printf(cmd, "Exported %d pairs to %s (%d bytes, %s)\n", res.Pairs, args[0], res.Bytes, res.Codec)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&codecName, "codec", "zstd", "record compression (none, zstd or snappy)")
	return cmd
}

func newImportCmd(c *cli) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Store every pair of a snapshot file",
		Long: WrapString("Store every pair of a snapshot file. Keys missing from the snapshot " +
			"are kept. The snapshot is verified before anything is written."),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open snapshot: %w", err)
			}
			defer f.Close()

			return c.withBackend(cmd, func(b backend) error {
				opts := c.backupOptions(b)
				if dryRun {
					opts = append(opts, backup.WithDryRun())
				}
				res, err := backup.Import(cmd.Context(), b, f, opts...)
				if err != nil {
					return err
				}
				if dryRun {
					printf(cmd, "Snapshot %s holds %d pairs (%s)\n", args[0], res.Pairs, res.Codec)
					return nil
				}
				printf(cmd, "Imported %d pairs from %s\n", res.Pairs, args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "verify the snapshot without writing")
	return cmd
}

// backupOptions shares the local store's logger, telemetry and statistics
// with the backup package
func (c *cli) backupOptions(b backend, opts ...backup.Option) []backup.Option {
	opts = append(opts, backup.WithLogger(c.logger))
	if lb, ok := b.(*localBackend); ok {
		opts = append(opts, backup.WithTelemetry(lb.tel), backup.WithStats(lb.Stats()))
	}
	return opts
}

func formatValue(value []byte, bin bool) string {
	if bin {
		return hex.EncodeToString(value)
	}
	return string(value)
}

func writePairs(w io.Writer, pairs []sysparam.Pair) {
	for _, p := range pairs {
		if p.Binary {
			fmt.Fprintf(w, "%s:%s\n", p.Key, hex.EncodeToString(p.Value))
		} else {
			fmt.Fprintf(w, "%s=%s\n", p.Key, p.Value)
		}
	}
}

func writeStatus(w io.Writer, st sysparam.Status) {
	fmt.Fprintf(w, "Area base:      0x%08x\n", st.AreaBase)
	fmt.Fprintf(w, "Region size:    %d bytes (%d blocks)\n", st.RegionSize, st.RegionBlocks)
	fmt.Fprintf(w, "Active region:  0x%08x\n", st.ActiveBase)
	fmt.Fprintf(w, "Stale region:   0x%08x\n", st.StaleBase)
	fmt.Fprintf(w, "Pairs:          %d\n", st.Pairs)
	fmt.Fprintf(w, "Used:           %d bytes\n", st.Used)
	fmt.Fprintf(w, "Free:           %d bytes\n", st.Free)
	fmt.Fprintf(w, "Compactable:    %d bytes\n", st.Compactable)
	fmt.Fprintf(w, "Max ID:         %d\n", st.MaxID)
	if st.ForceCompaction {
		fmt.Fprintln(w, "Next write compacts the region")
	}
	if st.RecoveredDualActive {
		fmt.Fprintln(w, "Recovered from two active regions")
	}
}
