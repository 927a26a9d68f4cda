package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"motionctl/targets/sim"
)

var (
	flagListen string
	flagTick   time.Duration
	flagDebug  bool
)

var mockFirmwareCmd = &cobra.Command{
	Use:   "mock-firmware",
	Short: "Serve the firmware on a virtual board over TCP",
	Long: `mock-firmware runs the motion firmware in-process on a virtual board and serves it
on a TCP port. Connect with --device tcp://<addr>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		board := sim.NewBoard(sim.WithTick(flagTick), sim.WithDebug(flagDebug), sim.WithLogger(logger))
		defer board.Close()

		logger.Info().Str("addr", flagListen).Msg("mock firmware listening")
		return board.ListenAndServe(ctx, flagListen)
	},
}

func init() {
	mockFirmwareCmd.Flags().StringVar(&flagListen, "listen", "127.0.0.1:7000", "TCP address to listen on")
	mockFirmwareCmd.Flags().DurationVar(&flagTick, "tick", sim.DefaultTick, "Firmware main loop period")
	mockFirmwareCmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable firmware debug lines")
	rootCmd.AddCommand(mockFirmwareCmd)
}
