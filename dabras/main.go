package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/itohio/dabras/pkg/acquire"
	"github.com/itohio/dabras/pkg/config"
	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/watchdog"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 completed and passed, 1 failed,
// 2 completed with a failed QC verdict, 130 stopped by the operator.
func run() int {
	var (
		portFlag    = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag    = flag.Bool("mock", false, "Use mocked instrument instead of serial port")
		kindFlag    = flag.String("kind", "background", "Session: background, efficiency, qc-background, qc-alphabeta, routine")
		countFlag   = flag.Int("n", 0, "Number of samples (overrides config)")
		timeFlag    = flag.Duration("t", 0, "Sample time, whole seconds (overrides config)")
		metricsFlag = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g., :9100)")
		listFlag    = flag.Bool("list", false, "List serial ports and exit")
		verboseFlag = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verboseFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *listFlag {
		return listPorts()
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Error().Err(err).Str("config", *configFlag).Msg("failed to load configuration")
		return 1
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	kind, err := acquire.ParseKind(*kindFlag)
	if err != nil {
		log.Error().Err(err).Msg("invalid session kind")
		return 1
	}
	applyOverrides(cfg, kind, *countFlag, *timeFlag)

	var metrics *acquire.Metrics
	if *metricsFlag != "" {
		metrics = acquire.NewMetrics(prometheus.DefaultRegisterer)
		srv := startMetrics(*metricsFlag)
		defer srv.Close()
	}

	ch, closeCh, err := connect(cfg, *mockFlag)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect")
		return 1
	}
	defer closeCh()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wd := watchdog.New(cfg.Acquisition.WatchdogTimeout)
	out := newReport(os.Stdout, kind)

	sess, err := newSession(kind, cfg, ch, wd,
		acquire.WithTiming(acquire.TimingFromConfig(cfg.Acquisition)),
		acquire.WithMetrics(metrics),
		acquire.OnRow(out.row),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		return 1
	}

	out.header(sess)
	if err := sess.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start session")
		return 1
	}
	go controlFromStdin(os.Stdin, sess)

	<-sess.Done()
	res, _ := sess.Result()
	out.result(res)

	switch {
	case errors.Is(res.Err, acquire.ErrStopped):
		return 130
	case !res.Completed:
		return 1
	case !res.Aggregate.Passed():
		return 2
	}
	return 0
}

// connect opens either the mocked instrument or the configured serial port.
func connect(cfg *config.Config, useMock bool) (dabras.Channel, func(), error) {
	if useMock {
		m := dabras.NewMock(&cfg.Mock)
		if err := m.Connect(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mocked instrument: %w", err)
		}
		log.Info().Msg("using mocked instrument")
		return m, func() { _ = m.Close() }, nil
	}

	dev := dabras.New(cfg.Serial.Port, cfg.Serial.BaudRate, dabras.DefaultBufferSize)
	if err := dev.Connect(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Serial.Port, err)
	}
	return dev, func() {
		if n := dev.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Msg("packets dropped by a full buffer")
		}
		_ = dev.Close()
	}, nil
}

func listPorts() int {
	ports, err := dabras.Ports()
	if err != nil {
		log.Error().Err(err).Msg("failed to list ports")
		return 1
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return 0
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
	return 0
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
