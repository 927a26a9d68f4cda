package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"motionctl/host/axis"
	"motionctl/host/config"
	"motionctl/host/logging"
	"motionctl/host/mcu"
	"motionctl/host/metrics"
	"motionctl/host/serial"
	"motionctl/targets/sim"
)

var (
	flagConfig      string
	flagDevice      string
	flagBaud        int
	flagSimulate    bool
	flagLogLevel    string
	flagMetricsAddr string

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "motion-host",
	Short: "motion-host drives stepper axes on the motion firmware",
	Long: `motion-host talks to the motion firmware over a serial port (or a tcp:// bridge)
using newline-delimited JSON, and exposes jog, move, index and home per axis.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.New(logging.Options{App: "motion-host", Level: flagLogLevel})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "Configuration file (.toml or .yaml)")
	flags.StringVar(&flagDevice, "device", "", "Serial device path or tcp://host:port")
	flags.IntVar(&flagBaud, "baud", 0, "Baud rate (ignored for USB CDC)")
	flags.BoolVar(&flagSimulate, "simulate", false, "Run the firmware in-process on a virtual board")
	flags.StringVar(&flagLogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// loadConfig reads --config and applies flag overrides
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("device") {
		cfg.Device = flagDevice
	}
	if cmd.Flags().Changed("baud") {
		cfg.Baud = flagBaud
	}
	return cfg, cfg.Validate()
}

// session is an open connection with its axes
type session struct {
	cfg     config.Config
	bank    *axis.Bank
	board   *sim.Board
	metrics *http.Server
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if flagMetricsAddr != "" {
		s.metrics = &http.Server{Addr: flagMetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	mcfg := mcu.Config{
		WriteTimeout: cfg.WriteTimeout,
		QueueSize:    cfg.QueueSize,
		Reconnect:    cfg.Reconnect.Enabled,
		Backoff: mcu.BackoffConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.Jitter,
		},
	}

	var open mcu.Opener
	if flagSimulate {
		s.board = sim.NewBoard(sim.WithDebug(cfg.Debug), sim.WithLogger(logger))
		open = s.board.Opener(cfg.ReadTimeout)
		logger.Info().Msg("using simulated board")
	} else {
		if cfg.Device == "" {
			return nil, fmt.Errorf("no device: set --device, device in the config file, or --simulate")
		}
		scfg := serial.DefaultConfig(cfg.Device)
		scfg.Baud = cfg.Baud
		scfg.ReadTimeout = cfg.ReadTimeout
		scfg.WriteTimeout = cfg.WriteTimeout * mcu.StallFactor
		open = func() (serial.Port, error) { return serial.Open(scfg) }
	}

	conn := mcu.New(mcfg, open, mcu.WithLogger(logger), mcu.WithMetrics(m))
	if err := conn.Connect(); err != nil {
		s.close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	logger.Info().Str("device", cfg.Device).Msg("connected")

	s.bank, err = axis.NewBank(conn, cfg, logger)
	if err != nil {
		conn.Close()
		s.close()
		return nil, err
	}
	if cfg.Debug {
		if err := s.bank.SetDebug(true); err != nil {
			logger.Warn().Err(err).Msg("enabling firmware debug failed")
		}
	}
	if err := s.bank.InitAll(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init axes: %w", err)
	}
	return s, nil
}

// Close shuts down the axes, the connection and the metrics server
func (s *session) Close() error {
	var err error
	if s.bank != nil {
		err = multierr.Append(err, s.bank.Close())
	}
	return multierr.Append(err, s.close())
}

func (s *session) close() error {
	var err error
	if s.metrics != nil {
		err = s.metrics.Close()
	}
	if s.board != nil {
		s.board.Close()
	}
	return err
}
