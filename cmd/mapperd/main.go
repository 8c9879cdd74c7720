// Command mapperd runs a libmapper peer: it discovers other devices on
// the local network, negotiates and evaluates signal maps, and keeps a
// per-link clock synchronized with its peers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/libmapper/mapperd/internal/config"
	"github.com/libmapper/mapperd/internal/device"
	"github.com/libmapper/mapperd/internal/graph"
	"github.com/libmapper/mapperd/internal/mapping"
	mappermetrics "github.com/libmapper/mapperd/internal/metrics"
	"github.com/libmapper/mapperd/internal/network"
	appversion "github.com/libmapper/mapperd/internal/version"
)

// pollInterval is the cadence of the single-threaded device poll loop
// (spec.md §4.10 "the poll loop").
const pollInterval = 10 * time.Millisecond

// shutdownTimeout bounds how long the metrics HTTP server gets to drain
// connections on graceful shutdown.
const shutdownTimeout = 5 * time.Second

var configPath string

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mapperd",
		Short:         "libmapper signal-mapping daemon",
		Long:          "mapperd discovers peer devices, negotiates signal maps, and routes mapped values between processes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("mapperd"))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var prefix string
	var iface string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the mapperd daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if prefix != "" {
				cfg.Device.Prefix = prefix
			}
			if iface != "" {
				cfg.Network.Interface = iface
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "override device name prefix")
	cmd.Flags().StringVar(&iface, "iface", "", "override outbound network interface")
	return cmd
}

// runDaemon wires the device aggregate to its four network transports and
// drives the poll loop until ctx is canceled by SIGINT/SIGTERM
// (SPEC_FULL.md §1 AMBIENT STACK; spec.md §4.10).
func runDaemon(ctx context.Context, cfg *config.Config) error {
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("mapperd starting",
		slog.String("version", appversion.Version),
		slog.String("prefix", cfg.Device.Prefix),
		slog.String("multicast_group", cfg.Network.MulticastGroup),
		slog.Int("multicast_port", cfg.Network.MulticastPort),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := mappermetrics.NewCollector(reg)
	g := graph.New()

	iface, err := resolveInterface(cfg.Network.Interface)
	if err != nil {
		return fmt.Errorf("resolve network interface: %w", err)
	}

	bus, err := network.NewBus(cfg.Network.MulticastGroup, cfg.Network.MulticastPort, iface, logger)
	if err != nil {
		return fmt.Errorf("open discovery bus: %w", err)
	}
	mesh, err := network.NewMesh(0, logger)
	if err != nil {
		bus.Close()
		return fmt.Errorf("open mesh: %w", err)
	}
	data, err := network.NewDataServers(logger)
	if err != nil {
		bus.Close()
		mesh.Close()
		return fmt.Errorf("open data servers: %w", err)
	}
	transports := &device.Transports{Bus: bus, Mesh: mesh, Data: data}

	adminHost, err := resolveLocalHost(iface)
	if err != nil {
		bus.Close()
		mesh.Close()
		data.Close()
		return fmt.Errorf("resolve local admin address: %w", err)
	}

	dev := device.New(cfg.Device.Prefix, cfg.Device.NumLocalDevices, time.Now().UnixNano())
	dev.SetLogger(logger)
	dev.SetGraph(g)
	dev.PingTimeout = cfg.Network.PeerPingTimeout
	dev.Metrics = collector
	dev.BusSend = bus.Send
	dev.MeshSend = mesh.SendTo
	dev.DataSendUDP = data.SendUDP
	dev.DataSendTCP = data.SendTCP
	dev.AdminHost = adminHost
	dev.AdminPort = mesh.Port()
	device.WireNaming(dev.Naming, bus.Send, func(err error) {
		logger.Warn("naming send failed", slog.String("error", err.Error()))
	})

	disp := network.NewDispatcher(logger)
	disp.SetMetrics(collector)
	device.RegisterHandlers(disp, dev, g)

	dev.Naming.Start(time.Now())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return servePollLoop(egCtx, dev, transports, disp, collector, g, logger)
	})
	eg.Go(func() error {
		return serveMetrics(egCtx, cfg.Metrics, reg, logger)
	})

	if err := eg.Wait(); err != nil && egCtx.Err() == nil {
		return fmt.Errorf("daemon exited: %w", err)
	}

	logger.Info("mapperd stopped")
	return nil
}

// servePollLoop runs the device's single-threaded poll loop until ctx is
// canceled, then tears down the four poll-time listener sockets
// (spec.md §4.10; SPEC_FULL.md DOMAIN STACK errgroup row).
func servePollLoop(ctx context.Context, dev *device.Device, transports *device.Transports, disp *network.Dispatcher, collector *mappermetrics.Collector, g *graph.Graph, logger *slog.Logger) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := transports.Close(); err != nil {
				logger.Warn("error closing transports", slog.String("error", err.Error()))
			}
			return nil
		case now := <-ticker.C:
			dev.Poll(now)
			if err := transports.Poll(pollInterval, disp); err != nil {
				logger.Warn("poll error", slog.String("error", err.Error()))
			}
			collector.SetDevices(len(g.Devices))
			collector.SetLinks(len(g.Links))
			active := 0
			for _, m := range g.Maps {
				if m.Status() == mapping.Active {
					active++
				}
			}
			collector.SetMapCounts(active, len(g.Maps)-active)
		}
	}
}

// serveMetrics runs the Prometheus HTTP endpoint until ctx is canceled.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// resolveInterface looks up a named interface, or returns nil (meaning
// "let the kernel pick") when name is empty.
func resolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}
	return iface, nil
}

// resolveLocalHost picks the IPv4 address this process advertises in its
// /device admin-address property (spec.md §4.1, §6.1). With an explicit
// interface it uses that interface's first IPv4 address; otherwise it
// asks the kernel for the source address it would use to reach the
// network, the common Go idiom for "this machine's outbound IP" (no
// packets are sent - UDP "connect" only resolves a route).
func resolveLocalHost(iface *net.Interface) (string, error) {
	if iface != nil {
		addrs, err := iface.Addrs()
		if err != nil {
			return "", fmt.Errorf("addrs for interface %s: %w", iface.Name, err)
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return ipnet.IP.String(), nil
		}
		return "", fmt.Errorf("interface %s has no IPv4 address", iface.Name)
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("determine outbound address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
