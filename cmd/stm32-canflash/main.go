package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/stm32-canflash/internal/can"
	"github.com/bigbag/stm32-canflash/internal/flasher"
	"github.com/bigbag/stm32-canflash/internal/image"
	"github.com/bigbag/stm32-canflash/internal/protocol"
	"github.com/bigbag/stm32-canflash/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var errEmptyImage = errors.New("firmware has no loadable data")

type options struct {
	device  string
	write   string
	base    string
	retries int
	bitrate int
	baud    int
	dryRun  bool
	verbose bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(stderr, color.RedString("Error: %v", err))
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "stm32-canflash -w <firmware> [-d <device>]",
		Short: "Flash firmware to STM32 devices through the CAN bootloader",
		Long: `stm32-canflash writes a firmware image to the internal flash of an STM32
microcontroller running its system bootloader on a CAN bus, verifies it by
reading it back and starts the program.

The device must already be in bootloader mode. The firmware may be an ELF
file, an Intel HEX file (.hex) or a raw binary (.bin, placed at --base).

A device path under /dev/ (or COMn) selects a serial SLCAN adapter,
anything else names a SocketCAN interface.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runFlash(cmd.Context(), stdout, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.device, "device", "d", can.DefaultDevice, "CAN interface or serial SLCAN adapter")
	flags.StringVarP(&opts.write, "write", "w", "", "Firmware file to flash (required)")
	flags.StringVar(&opts.base, "base", fmt.Sprintf("0x%08X", protocol.DefaultFlashBase), "Flash base address")
	flags.IntVar(&opts.retries, "retries", flasher.DefaultRetries, "Response timeouts to recover from before giving up")
	flags.IntVar(&opts.bitrate, "bitrate", can.DefaultBitrate, "CAN bitrate (SLCAN adapters only)")
	flags.IntVar(&opts.baud, "baud", can.DefaultBaudRate, "Serial baud rate (SLCAN adapters only)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Print the command plan without touching the bus")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every frame")
	rootCmd.MarkFlagRequired("write")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "stm32-canflash %s\n", version)
			fmt.Fprintf(stdout, "  commit: %s\n", commit)
			fmt.Fprintf(stdout, "  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List CAN interfaces and serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(stdout)
		},
	}

	rootCmd.AddCommand(versionCmd, listCmd)
	return rootCmd
}

func runFlash(ctx context.Context, stdout io.Writer, opts *options) error {
	base, err := strconv.ParseUint(opts.base, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid base address %q: %w", opts.base, err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	segments, err := image.Load(opts.write, uint32(base))
	if err != nil {
		return err
	}

	img, plan, err := flasher.Prepare(segments, uint32(base))
	if err != nil {
		return err
	}
	if len(img.Data) == 0 {
		return fmt.Errorf("%s: %w", opts.write, errEmptyImage)
	}

	fmt.Fprintf(stdout, "Firmware: %s (%d bytes at 0x%08X, %d steps)\n", opts.write, len(img.Data), img.Base, len(plan))

	if opts.dryRun {
		for i, s := range plan {
			fmt.Fprintf(stdout, "%5d %-7s %s\n", i, s.Phase, s)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := can.Open(opts.device, can.Config{
		Bitrate:  opts.bitrate,
		BaudRate: opts.baud,
		Logger:   log,
	})

	fmt.Fprintf(stdout, "Device: %s\n", opts.device)

	bar := progressbar.NewOptions(len(plan),
		progressbar.OptionSetWriter(stdout),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Exit()

	err = flasher.Execute(ctx, bus, plan,
		flasher.WithRetries(opts.retries),
		flasher.WithLogger(log),
		flasher.WithProgressCallback(func(p flasher.Progress) {
			bar.Describe(p.Phase.String())
			bar.Set(p.Step)
		}),
	)
	if err != nil {
		bar.Exit()
		fmt.Fprintln(stdout)
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}

	bar.Finish()
	fmt.Fprintln(stdout, color.GreenString("Flash complete, program started"))
	return nil
}

func runList(stdout io.Writer) error {
	ifaces, err := can.ListInterfaces()
	if err != nil {
		return err
	}
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ifaces) == 0 && len(ports) == 0 {
		fmt.Fprintln(stdout, "No CAN interfaces or serial ports found")
		return nil
	}

	if len(ifaces) > 0 {
		fmt.Fprintln(stdout, "CAN interfaces:")
		for _, i := range ifaces {
			fmt.Fprintf(stdout, "  %s\n", i)
		}
	}
	if len(ports) > 0 {
		fmt.Fprintln(stdout, "Serial ports:")
		for _, p := range ports {
			fmt.Fprintf(stdout, "  %s\n", p)
		}
	}

	return nil
}
