// Package agent wires every subsystem into the orchestrator boot
// sequence: layered config, single-instance locking, the reactor/fiber
// event loop, the embedded store, the cloud stack (provisioning, MQTT,
// shadow, log capture), the optional AI summarizer, and the firmware
// updater. cmd/ioto-agent is the thin CLI wrapper around this package.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/embedthis/ioto-core/internal/aihelper"
	"github.com/embedthis/ioto-core/internal/cloudhelpers"
	"github.com/embedthis/ioto-core/internal/config"
	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/lockfile"
	"github.com/embedthis/ioto-core/internal/mqttconn"
	"github.com/embedthis/ioto-core/internal/netio"
	"github.com/embedthis/ioto-core/internal/provision"
	"github.com/embedthis/ioto-core/internal/reactor"
	"github.com/embedthis/ioto-core/internal/store"
	"github.com/embedthis/ioto-core/internal/store/memstore"
	"github.com/embedthis/ioto-core/internal/syncstore"
)

// Config bundles everything a deployment supplies to build an Agent.
// Every field except Dir has a working default, chosen so the agent
// boots offline (no provisioning, no cloud, no AI) until the layered
// config under Dir turns features on.
type Config struct {
	Dir          string // state directory: ioto.json5, device.json5, provision.json5, certs/, *.db.sync
	BuilderURL   string // POST <BuilderURL>/device/register
	ProvisionURL string // POST <ProvisionURL>/tok/device/provision
	ProductToken string
	Doer         provision.HTTPDoer
	Store        store.Store // defaults to an in-memory store.Store
	Logger       *slog.Logger
}

// Agent owns the full set of running subsystems for one device process.
type Agent struct {
	cfg    Config
	conf   *config.Config
	logger *slog.Logger
	lock   io.Closer

	fibers  *fiber.Engine
	reactor *reactor.Reactor

	db         store.Store
	provision  *provision.Manager
	mqtt       *mqttconn.Manager
	sync       *syncstore.Manager
	shadow     *cloudhelpers.Shadow
	logCapture *cloudhelpers.LogCapture
	update     *cloudhelpers.Update
	metrics    *cloudhelpers.Metrics
	ai         aihelper.Summarizer
	web        *netio.Socket

	readyID uint64
}

func (c *Config) applyDefaults() {
	if c.BuilderURL == "" {
		c.BuilderURL = "https://builder.embedthis.com"
	}
	if c.ProvisionURL == "" {
		c.ProvisionURL = c.BuilderURL
	}
}

// lockFileName is the single-instance advisory lock, held for the
// process lifetime the way internal/daemonrunner holds daemon.lock.
const lockFileName = "agent.lock"

// New builds an Agent: acquires the single-instance lock, loads the
// layered config, and constructs (but does not yet start) every
// subsystem the config enables. Call Run to boot and serve.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, koderr.New(koderr.CantCreate, "agent.New", err)
	}

	lock, err := acquireInstanceLock(cfg.Dir)
	if err != nil {
		return nil, err
	}

	conf, err := config.Load(cfg.Dir)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = newLogger()
	}

	fe := fiber.New(fiber.Config{})
	r, err := reactor.New(fe)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}

	db := cfg.Store
	if db == nil {
		db = memstore.New()
	}

	return &Agent{
		cfg:     cfg,
		conf:    conf,
		logger:  logger,
		lock:    lock,
		fibers:  fe,
		reactor: r,
		db:      db,
	}, nil
}

// acquireInstanceLock takes an exclusive, non-blocking flock on
// agent.lock, adapted from internal/daemonrunner's daemon.lock pattern
// but generalized past that package's beads-specific Daemon type.
func acquireInstanceLock(dir string) (io.Closer, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, koderr.New(koderr.CantOpen, "agent.acquireInstanceLock", err)
	}
	if err := lockfile.FlockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		if err == lockfile.ErrLockBusy {
			return nil, koderr.New(koderr.AlreadyExists, "agent.acquireInstanceLock", err)
		}
		return nil, koderr.New(koderr.CantOpen, "agent.acquireInstanceLock", err)
	}
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()
	return f, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_FILTER")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// enabledFlags derives which optional services this boot should start,
// from the merged config document.
type enabledFlags struct {
	cloud  bool
	shadow bool
	logs   bool
	ai     bool
	update bool
	web    bool
}

func (a *Agent) deriveFlags() enabledFlags {
	return enabledFlags{
		cloud:  a.conf.GetBool("cloud.enabled") || a.conf.Provision.Endpoint != "",
		shadow: a.conf.GetBool("shadow.enabled"),
		logs:   a.conf.GetBool("logs.enabled"),
		ai:     aihelper.Enabled(),
		update: a.conf.GetBool("update.enabled") && a.conf.GetString("update.manifestUrl") != "",
		web:    a.conf.IsSet("web.port"),
	}
}

// Run executes the full boot sequence, serves until ctx is cancelled or
// Stop is called, then tears every subsystem down in reverse order.
func (a *Agent) Run(ctx context.Context) error {
	flags := a.deriveFlags()

	a.registerDeviceCommandHandlers()

	if err := a.initRegister(ctx); err != nil {
		return err
	}
	// database: a.db is already constructed in New; nothing further to
	// open here since the backing engine is out of scope for this repo.

	if flags.web {
		if err := a.initWeb(); err != nil {
			a.logger.Warn("web status listener failed to start", "error", err)
		}
	}

	if flags.cloud {
		if err := a.initCloud(ctx, flags); err != nil {
			a.logger.Warn("cloud stack failed to start", "error", err)
			flags.cloud = false
		}
	}

	if flags.ai {
		client, err := aihelper.New()
		if err != nil {
			a.logger.Warn("AI helper disabled", "error", err)
		} else {
			a.ai = client
		}
	}

	if flags.cloud && flags.update {
		a.initUpdate()
	}

	a.readyID = a.reactor.Watch("app:ready", func(string, any) {}, nil)
	a.reactor.Signal("app:ready")
	a.logger.Info("agent ready", "device", a.conf.Device.ID, "dir", a.cfg.Dir)

	stop := context.AfterFunc(ctx, a.Stop)
	err := a.reactor.Run()
	stop()
	a.teardown()
	return err
}

// Stop requests the service loop to exit after its current pass.
func (a *Agent) Stop() { a.reactor.Stop() }

func (a *Agent) registerDeviceCommandHandlers() {
	a.reactor.Watch("device:reboot", func(string, any) {
		a.logger.Info("reboot command received")
		a.Stop()
	}, nil)
	a.reactor.Watch("device:reprovision", func(string, any) {
		a.logger.Info("reprovision command received")
		if a.provision != nil {
			_ = a.provision.Deprovision()
		}
	}, nil)
}

func (a *Agent) initRegister(ctx context.Context) error {
	pm, err := provision.New(provision.Config{
		DeviceID:     a.conf.Device.ID,
		ProductToken: a.cfg.ProductToken,
		RegisterURL:  a.cfg.BuilderURL + "/device/register",
		ProvisionURL: a.cfg.ProvisionURL + "/tok/device/provision",
		StateDir:     a.cfg.Dir,
		Doer:         a.cfg.Doer,
	}, a.reactor)
	if err != nil {
		return err
	}
	a.provision = pm

	if pm.State() == provision.StateUnregistered && a.conf.Device.ID != "" {
		if err := pm.Register(ctx); err != nil {
			a.logger.Warn("register failed, continuing offline", "error", err)
		}
	}
	return nil
}

func (a *Agent) initWeb() error {
	port := a.conf.GetInt("web.port")
	if port == 0 {
		return nil
	}
	mgr := netio.NewManager(a.reactor.Wait, a.fibers, 16)
	status := func(f *fiber.Fiber, arg any, sock *netio.Socket) {
		defer sock.Close()
		buf := make([]byte, 512)
		_, _ = sock.Read(f, buf, time.Now().Add(5*time.Second))
		body := fmt.Sprintf("ioto-agent device=%s ready\n", a.conf.Device.ID)
		resp := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: " +
			fmt.Sprint(len(body)) + "\r\nConnection: close\r\n\r\n" + body
		_, _ = sock.Write(f, []byte(resp), time.Now().Add(5*time.Second))
	}
	listener, err := mgr.Listen("0.0.0.0", port, status, nil)
	if err != nil {
		return koderr.New(koderr.CantOpen, "agent.initWeb", err)
	}
	a.web = listener
	return nil
}

func (a *Agent) initCloud(ctx context.Context, flags enabledFlags) error {
	rec := a.provision.Record()
	endpoint := rec.Endpoint
	if endpoint == "" {
		endpoint = a.conf.Provision.Endpoint
	}
	if endpoint == "" {
		return koderr.New(koderr.NotReady, "agent.initCloud", nil)
	}

	tlsCfg, err := a.buildTLSConfig(rec)
	if err != nil {
		return err
	}

	a.mqtt = mqttconn.New(mqttconn.Config{
		DeviceID:    a.conf.Device.ID,
		Endpoint:    endpoint,
		ClientID:    a.conf.Device.ID,
		TLSConfig:   tlsCfg,
		MasterTopic: fmt.Sprintf("ioto/device/%s/#", a.conf.Device.ID),
	}, a.reactor)
	if err := a.mqtt.Connect(ctx); err != nil {
		return err
	}

	a.sync, err = syncstore.New(syncstore.Config{
		DeviceID: a.conf.Device.ID,
		Dir:      a.cfg.Dir,
		Durable:  true,
	}, a.db, a.mqtt, a.reactor)
	if err != nil {
		return err
	}

	if flags.shadow {
		a.shadow, err = cloudhelpers.NewShadow(cloudhelpers.ShadowConfig{
			DeviceID: a.conf.Device.ID,
			Path:     filepath.Join(a.cfg.Dir, "shadow.json5"),
		}, a.mqtt, a.reactor)
		if err != nil {
			a.logger.Warn("shadow mirror failed to start", "error", err)
		}
	}

	if flags.logs {
		var summarizer aihelper.Summarizer
		if a.ai != nil {
			summarizer = a.ai
		}
		a.logCapture, err = cloudhelpers.NewLogCapture(cloudhelpers.LogCaptureConfig{
			DeviceID:   a.conf.Device.ID,
			Path:       a.conf.GetString("logs.path"),
			Topic:      fmt.Sprintf("ioto/device/%s/logs", a.conf.Device.ID),
			Summarizer: summarizer,
		}, a.mqtt, a.reactor)
		if err != nil {
			a.logger.Warn("log capture failed to start", "error", err)
		}
	}

	a.metrics, err = cloudhelpers.NewMetrics(ctx, cloudhelpers.MetricsConfig{
		DeviceID:     a.conf.Device.ID,
		OTLPEndpoint: a.conf.GetString("metrics.otlpEndpoint"),
	})
	if err != nil {
		a.logger.Warn("metrics provider failed to start", "error", err)
	}
	return nil
}

func (a *Agent) buildTLSConfig(rec provision.Record) (*tls.Config, error) {
	switch {
	case rec.CertPath != "" && rec.KeyPath != "":
		pair, err := tls.LoadX509KeyPair(rec.CertPath, rec.KeyPath)
		if err != nil {
			return nil, koderr.New(koderr.CantOpen, "agent.buildTLSConfig", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
	case rec.CertPEM != "" && rec.KeyPEM != "":
		pair, err := tls.X509KeyPair([]byte(rec.CertPEM), []byte(rec.KeyPEM))
		if err != nil {
			return nil, koderr.New(koderr.BadData, "agent.buildTLSConfig", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
	default:
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
}

func (a *Agent) initUpdate() {
	a.update = cloudhelpers.NewUpdate(cloudhelpers.UpdateConfig{
		DeviceID:    a.conf.Device.ID,
		ManifestURL: a.conf.GetString("update.manifestUrl"),
		DownloadDir: filepath.Join(a.cfg.Dir, "update"),
		ApplyScript: a.conf.GetString("update.applyScript"),
		Doer:        httpDoerOrDefault(a.cfg.Doer),
	}, a.reactor)
}

func httpDoerOrDefault(d provision.HTTPDoer) provision.HTTPDoer {
	if d != nil {
		return d
	}
	return http.DefaultClient
}

func (a *Agent) teardown() {
	if a.web != nil {
		_ = a.web.Close()
	}
	if a.metrics != nil {
		_ = a.metrics.Close(context.Background())
	}
	if a.logCapture != nil {
		_ = a.logCapture.Close()
	}
	if a.sync != nil {
		_ = a.sync.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	_ = a.reactor.Close()
	if a.lock != nil {
		_ = a.lock.Close()
	}
}

// Reset purges provisioning material and any durable sync log, then
// restores a pristine database snapshot if one is present at
// <Dir>/pristine.db, mirroring --reset from spec §4.J.
func Reset(dir string) error {
	for _, name := range []string{"provision.json", "device.crt", "device.key", "shadow.json5"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return koderr.New(koderr.CantWrite, "agent.Reset", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(dir, "certs")); err != nil {
		return koderr.New(koderr.CantWrite, "agent.Reset", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.db.sync"))
	if err != nil {
		return koderr.New(koderr.BadArgs, "agent.Reset", err)
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}

	pristine := filepath.Join(dir, "pristine.db")
	if _, err := os.Stat(pristine); err == nil {
		live := filepath.Join(dir, "ioto.db")
		data, err := os.ReadFile(pristine)
		if err != nil {
			return koderr.New(koderr.CantRead, "agent.Reset", err)
		}
		if err := os.WriteFile(live, data, 0o600); err != nil {
			return koderr.New(koderr.CantWrite, "agent.Reset", err)
		}
	}
	return nil
}
