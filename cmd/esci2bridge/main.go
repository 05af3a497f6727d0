package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/OpenPrinting/go-mfp/util/optional"
	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/mzyy94/esci2bridge/internal/config"
	"github.com/mzyy94/esci2bridge/internal/esci2"
	"github.com/mzyy94/esci2bridge/internal/registry"
	"github.com/mzyy94/esci2bridge/internal/scanner"
	"github.com/mzyy94/esci2bridge/internal/webui"
)

func main() {
	logLevel := parseLogLevel(envStr("ESCI2_LOG_LEVEL", "info"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run() error {
	deviceSpec := os.Getenv("ESCI2_DEVICE")
	listenPort := envInt("ESCI2_LISTEN_PORT", 8080)
	deviceName := os.Getenv("ESCI2_DEVICE_NAME")
	dataDir := os.Getenv("ESCI2_DATA_DIR")
	ioTimeout := envDuration("ESCI2_IO_TIMEOUT", 30*time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	entry, err := resolveDevice(ctx, deviceSpec)
	if err != nil {
		return err
	}

	t, err := registry.Open(entry, ioTimeout)
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Address(), err)
	}
	sc := scanner.New(t, deviceName, entry.Address(), esci2.Options{})
	if err := sc.Connect(ctx); err != nil {
		sc.Disconnect()
		return fmt.Errorf("scanner connection failed: %w", err)
	}
	if deviceName == "" {
		deviceName = sc.Name()
	}

	var settings *config.Store
	if dataDir != "" {
		settings, err = config.NewStore(dataDir)
		if err != nil {
			sc.Disconnect()
			return err
		}
	} else {
		settings = config.NewMemoryStore()
	}

	adapter := scanner.NewESCLAdapter(sc, settings)
	defer func() {
		if err := adapter.Close(); err != nil {
			slog.Warn("scanner close failed", "err", err)
		}
	}()

	caps := sc.Capabilities()
	hasFeeder := caps.HasSource(esci2.SourceFeeder)

	// Create eSCL HTTP server (BasePath="" so it handles paths directly)
	esclServer := escl.NewAbstractServer(escl.AbstractServerOptions{
		Scanner:  adapter,
		BasePath: "",
		Hooks: escl.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *escl.ScannerStatus) *escl.ScannerStatus {
				if !hasFeeder {
					return nil
				}
				hasPaper, err := adapter.CheckADFStatus()
				if err != nil {
					slog.Debug("ADF status check failed", "err", err)
					return nil
				}
				if hasPaper {
					status.ADFState = optional.New(escl.ScannerAdfLoaded)
				} else {
					status.ADFState = optional.New(escl.ScannerAdfEmpty)
				}
				return status
			},
		},
	})

	localIP := registry.LocalIP(entry.Host)
	esclURL := fmt.Sprintf("http://%s/eSCL", net.JoinHostPort(localIP, strconv.Itoa(listenPort)))

	mux := http.NewServeMux()
	mux.Handle("/api/", webui.NewHandler(sc, adapter, esclURL, settings))
	// Serve at /eSCL/ for clients using the rs TXT record (sane-airscan, macOS)
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", esclServer))
	// Also serve at root for clients that ignore rs (sane-escl)
	mux.Handle("/", esclServer)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", listenPort),
		Handler: logMiddleware(mux),
	}

	mdnsServer, err := zeroconf.Register(deviceName, "_uscan._tcp", "local.", listenPort, txtRecords(deviceName, caps), nil)
	if err != nil {
		return fmt.Errorf("mDNS registration failed: %w", err)
	}
	defer mdnsServer.Shutdown()
	slog.Info("mDNS registered", "name", deviceName, "service", "_uscan._tcp")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("eSCL server starting", "addr", httpServer.Addr, "url", esclURL)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		sc.Cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// resolveDevice picks the device named by spec, or the first one discovered
// on USB and then on the network.
func resolveDevice(ctx context.Context, spec string) (registry.Entry, error) {
	if spec != "" {
		e, err := registry.ParseSpec(spec)
		if err != nil {
			return registry.Entry{}, fmt.Errorf("ESCI2_DEVICE: %w", err)
		}
		return e, nil
	}

	reg := registry.New()
	slog.Info("discovering scanners...")
	n, err := reg.DiscoverUSB()
	if err != nil {
		slog.Warn("usb discovery failed", "err", err)
	}
	if n == 0 {
		if _, err := reg.DiscoverNet(ctx, envDuration("ESCI2_DISCOVERY_TIMEOUT", 10*time.Second)); err != nil {
			slog.Warn("network discovery failed", "err", err)
		}
	}
	list := reg.List()
	if len(list) == 0 {
		return registry.Entry{}, fmt.Errorf("no scanner found; set ESCI2_DEVICE")
	}
	slog.Info("scanner selected", "name", list[0].Name, "address", list[0].Address(), "found", len(list))
	return list[0], nil
}

// txtRecords describes the bridge to eSCL clients.
func txtRecords(name string, caps *esci2.Capabilities) []string {
	var sources []string
	if caps.HasSource(esci2.SourceFlatbed) {
		sources = append(sources, "platen")
	}
	if caps.HasSource(esci2.SourceFeeder) {
		sources = append(sources, "adf")
	}
	duplex := "F"
	if caps.Feeder.Duplex {
		duplex = "T"
	}
	return []string{
		"txtvers=1",
		"ty=" + name,
		"mfg=" + scanner.Manufacturer,
		"pdl=application/pdf,image/jpeg",
		"cs=color,grayscale,binary",
		"is=" + strings.Join(sources, ","),
		"duplex=" + duplex,
		"rs=eSCL",
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logMiddleware logs every request. Status polls, which eSCL clients send
// every few seconds, are logged at debug level.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.Method == http.MethodGet && isStatusPoll(r.URL.Path) && rec.status < 400 {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func isStatusPoll(path string) bool {
	return strings.HasSuffix(path, "/ScannerStatus") || path == "/api/status"
}
