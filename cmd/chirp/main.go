package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calmh/soilpi"
	"github.com/calmh/soilpi/hass"
	"github.com/calmh/soilpi/httpapi"
	"github.com/calmh/soilpi/i2c"
	"github.com/calmh/soilpi/promexp"
	"github.com/calmh/soilpi/store"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gobot.io/x/gobot/sysfs"
	"golang.org/x/sync/errgroup"
)

type options struct {
	device    string
	periph    string
	config    string
	listen    string
	window    int
	broker    string
	expire    uint
	dbfile    string
	retention time.Duration
	json      bool
	decimals  int
	buffer    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.device, "device", "/dev/i2c-1", "I2C device")
	flag.StringVar(&opts.periph, "periph", "", "Use the periph.io I2C bus with this name instead of -device")
	flag.StringVar(&opts.config, "config", "chirp.yml", "Sensor configuration file, created with defaults if missing")
	flag.StringVar(&opts.listen, "listen", ":9120", "HTTP API and Prometheus exporter address (empty to disable)")
	flag.IntVar(&opts.window, "window", 12, "Readings per channel in the exported average")
	flag.StringVar(&opts.broker, "mqtt", "", "MQTT broker for Home Assistant (empty to disable)")
	flag.UintVar(&opts.expire, "mqtt-expire", 1800, "Seconds before Home Assistant marks a silent sensor unavailable")
	flag.StringVar(&opts.dbfile, "db", "", "SQLite reading history (empty to disable)")
	flag.DurationVar(&opts.retention, "retention", 30*24*time.Hour, "How long to keep reading history")
	flag.BoolVar(&opts.json, "json", false, "Write readings as JSON to stdout")
	flag.IntVar(&opts.decimals, "decimals", 2, "Rounding precision for JSON output")
	flag.BoolVar(&opts.buffer, "buffer", false, "Use output buffering for JSON output")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	l := newLogger(*debug)
	defer l.Sync()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.Warnw("load .env", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, l); err != nil && !errors.Is(err, context.Canceled) {
		l.Fatalw("exiting", "error", err)
	}
}

// run polls the configured sensors until ctx is cancelled. A sensor that
// cannot be set up is retried by its poller and does not end run.
func run(ctx context.Context, opts options, l *zap.SugaredLogger) (err error) {
	settings, err := chirp.LoadOrCreate(opts.config)
	if err != nil {
		return fmt.Errorf("load configuration %s: %w", opts.config, err)
	}

	dev, err := openDevice(opts.device, opts.periph)
	if err != nil {
		return fmt.Errorf("open I2C device: %w", err)
	}
	bus := i2c.NewBus(dev)
	closers := []io.Closer{dev}
	defer func() {
		for _, c := range closers {
			err = multierr.Append(err, c.Close())
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	latest := httpapi.NewLatest()
	exp := promexp.New(prometheus.DefaultRegisterer, opts.window)
	pubs := []chirp.Publisher{latest, exp}

	var hist *store.History
	if opts.dbfile != "" {
		hist, err = store.Open(opts.dbfile, l.Named("store"))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		pubs = append(pubs, hist)
		closers = append(closers, hist)
		g.Go(func() error {
			prune(ctx, hist, opts.retention, l)
			return nil
		})
	}

	if opts.json {
		out := newJSONOutput(os.Stdout, opts.decimals, opts.buffer, l)
		pubs = append(pubs, out)
		defer func() {
			err = multierr.Append(err, out.Flush())
		}()
	}

	if opts.broker != "" {
		pub, err := startMQTT(ctx, g, opts.broker, settings, opts.expire, l.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}
		pubs = append(pubs, pub)
	}

	if opts.listen != "" {
		var h httpapi.History
		if hist != nil {
			h = hist
		}
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:    opts.listen,
			Handler: httpapi.NewRouter(latest, h, promhttp.Handler()),
		}
		g.Go(func() error {
			l.Infow("serving http", "address", opts.listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	for _, cfg := range settings.Sensors {
		p := chirp.NewPoller(chirp.New(bus.Conn(uint8(cfg.Address))), cfg,
			chirp.WithLogger(l.Named("poller")),
			chirp.WithPublisher(pubs...),
		)
		exp.Watch(cfg.Name, p)
		g.Go(func() error {
			return p.Serve(ctx)
		})
	}

	return g.Wait()
}

func newLogger(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

type device interface {
	i2c.Device
	io.Closer
}

func openDevice(path, periph string) (device, error) {
	if periph != "" {
		return i2c.OpenPeriph(periph)
	}
	return sysfs.NewI2cDevice(path)
}

func startMQTT(ctx context.Context, g *errgroup.Group, broker string, settings chirp.Settings, expire uint, l *zap.SugaredLogger) (*hass.Publisher, error) {
	var discovery []hass.Message
	for _, cfg := range settings.Sensors {
		msgs, err := hass.Discovery(cfg, expire)
		if err != nil {
			return nil, err
		}
		discovery = append(discovery, msgs...)
	}

	out := make(chan hass.Message, 64)
	client, err := hass.Connect(hass.Options{
		Broker:   broker,
		ClientID: "soilpi",
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
	}, l, func() {
		// Announce the sensors again, the broker may have lost them.
		go func() {
			for _, msg := range discovery {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	})
	if err != nil {
		return nil, err
	}

	g.Go(func() error {
		hass.Send(ctx, out, client, l)
		client.Disconnect(250)
		return nil
	})
	return hass.NewPublisher(out, l), nil
}

// prune drops history older than keep, hourly.
func prune(ctx context.Context, hist *store.History, keep time.Duration, l *zap.SugaredLogger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := hist.Prune(time.Now().Add(-keep))
		if err != nil {
			l.Warnw("prune history", "error", err)
		} else if n > 0 {
			l.Debugw("pruned history", "samples", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
