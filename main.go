// Package main provides a broadcast compliance recorder that captures one audio
// input into dated WAV segments and relays it to RTMP and Icecast servers.
//
// Usage:
//
//	zwfm-recorder [--config path/to/config.json] [--monitor] [--backend name]
//	zwfm-recorder devices
//	zwfm-recorder version
//
// If --config is not specified, the recorder looks for config.json in the same
// directory as the binary.
package main

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// options holds the command-line flags.
type options struct {
	configPath string
	backend    string
	monitor    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:   "zwfm-recorder",
		Short: "Broadcast compliance recorder with live streaming",
		Long: `zwfm-recorder captures one audio input without interruption into dated
WAV segments, supervises the input with a watchdog, and relays the audio
to RTMP and Icecast servers through FFmpeg.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var monitor *bool
			if cmd.Flags().Changed("monitor") {
				monitor = &opts.monitor
			}
			return runDaemon(opts.configPath, opts.backend, monitor)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: config.json next to binary)")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "audio backend: auto, native, portaudio or command (overrides config)")
	root.Flags().BoolVar(&opts.monitor, "monitor", false, "play the input on the monitor output (overrides config)")

	root.AddCommand(newDevicesCmd(&opts), newVersionCmd())
	return root
}

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the audio devices of the selected backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			snap := cfg.Snapshot()

			backend, err := device.Select(cmp.Or(opts.backend, snap.Backend), device.Options{
				FFmpegPath: util.ResolveFFmpegPath(snap.FFmpegPath),
			})
			if err != nil {
				return err
			}
			defer backend.Close() //nolint:errcheck // Process exits right after listing

			devices, err := backend.Enumerate()
			if err != nil {
				return util.WrapError("enumerate devices", err)
			}
			return printDevices(cmd, backend.Name(), devices)
		},
	}
}

func printDevices(cmd *cobra.Command, backend string, devices []device.Info) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend: %s\n\n", backend)
	if len(devices) == 0 {
		fmt.Fprintln(out, "No audio devices found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tIN\tOUT\tRATE\tDEFAULT")
	for _, d := range devices {
		def := ""
		if d.IsDefault {
			def = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.0f\t%s\n",
			d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zwfm-recorder %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

// loadConfig loads the config at path, or config.json next to the binary.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		execPath, err := os.Executable()
		if err != nil {
			return nil, util.WrapError("get executable path", err)
		}
		path = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	cfg := config.New(path)
	if err := cfg.Load(); err != nil {
		return nil, util.WrapError("load config", err)
	}
	return cfg, nil
}
