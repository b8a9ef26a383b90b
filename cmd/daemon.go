package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/blanker"
	"github.com/dispctl/host/internal/config"
	"github.com/dispctl/host/internal/controller"
	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/mdns"
	"github.com/dispctl/host/internal/proximity"
	"github.com/dispctl/host/internal/server"
	"github.com/dispctl/host/internal/storage"
	"github.com/dispctl/host/internal/suspend"
	dtls "github.com/dispctl/host/internal/tls"
)

const (
	cleanupInterval = time.Hour
	shutdownTimeout = 5 * time.Second
)

// daemon owns every long-lived component of "dispctl start".
type daemon struct {
	cfg *config.Config
	log *logrus.Entry

	store    *storage.Store
	stats    *storage.Stats
	blockers *suspend.Blockers
	srv      *server.Server
	ctrl     *controller.Controller
	adv      *mdns.Advertiser

	tlsCfg *tls.Config
	cert   *dtls.Cert

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// callbacks fans controller notifications out to the API clients and the
// sleep inhibitor.
type callbacks struct {
	srv      *server.Server
	blockers *suspend.Blockers
	log      *logrus.Entry
}

func (cb callbacks) OnStateChanged() { cb.srv.NotifyStateChanged() }

func (cb callbacks) OnProximityPositive() { cb.log.Debug("proximity positive") }

func (cb callbacks) OnProximityNegative() { cb.log.Debug("proximity negative") }

func (cb callbacks) AcquireSuspendBlocker(id string) {
	if cb.blockers != nil {
		cb.blockers.AcquireSuspendBlocker(id)
	}
}

func (cb callbacks) ReleaseSuspendBlocker(id string) {
	if cb.blockers != nil {
		cb.blockers.ReleaseSuspendBlocker(id)
	}
}

// newLogger builds the process logger. The returned closer is non-nil when
// logs go to a file.
func newLogger(level, file string, stderr io.Writer) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	l.SetLevel(lvl)
	if file == "" {
		l.SetOutput(stderr)
		return l, nil, nil
	}
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.SetOutput(f)
	return l, f, nil
}

// newDaemon opens storage and builds the controller and its API. Nothing
// listens until start.
func newDaemon(cfg *config.Config, log *logrus.Entry) (*daemon, error) {
	d := &daemon{cfg: cfg, log: log, done: make(chan struct{})}

	store, err := storage.Open(cfg.StateDB, log)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.stats = storage.NewStats(store, 0)

	panel, err := blanker.New(blanker.Options{Kind: cfg.Blanker.Kind, Device: cfg.Blanker.Device, Log: log})
	if err != nil {
		d.closeStorage()
		return nil, err
	}

	if cfg.BlockSuspend {
		mgr := suspend.NewManager(suspend.NewDefaultAdapter(), suspend.Options{Log: log})
		d.blockers = suspend.NewBlockers(mgr)
	}

	if cfg.TLS {
		if err := d.loadCert(); err != nil {
			d.closeStorage()
			return nil, err
		}
	}

	srvOpts := server.Options{
		Addr:              cfg.Addr,
		Log:               log,
		TokenHash:         cfg.APITokenHash,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Stats:             store,
	}
	if d.blockers != nil {
		srvOpts.Suspend = d.blockers
	}
	d.srv = server.NewServer(srvOpts)

	deps := controller.Deps{
		Blanker:            panel,
		WindowPolicy:       d.srv,
		Callbacks:          callbacks{srv: d.srv, blockers: d.blockers, log: log.WithField("component", "callbacks")},
		BrightnessListener: d.srv,
		Stats:              d.stats,
		Settings:           store,
		Properties:         store,
	}
	if cfg.Proximity.Enabled {
		deps.ProximitySensor = proximity.NewManualSensor()
	}
	d.ctrl = controller.New(cfg.Controller(), deps, controller.Options{Log: log})
	d.srv.SetDisplay(d.ctrl)

	store.OnSettingsChanged(func(displayID int, key string) {
		if displayID == cfg.DisplayID {
			d.ctrl.OnSettingsChanged(key)
		}
	})
	return d, nil
}

func (d *daemon) loadCert() error {
	hosts := []string{"localhost", "127.0.0.1"}
	if host, _, err := net.SplitHostPort(d.cfg.Addr); err == nil && host != "" && !isUnspecified(host) {
		hosts = append(hosts, host)
	}
	if hostname, err := os.Hostname(); err == nil {
		hosts = append(hosts, hostname, hostname+".local")
	}
	cert, err := dtls.Ensure(dtls.CertConfig{CertPath: d.cfg.TLSCert, KeyPath: d.cfg.TLSKey, Hosts: hosts})
	if err != nil {
		return err
	}
	tlsCfg, err := dtls.ServerConfig(cert)
	if err != nil {
		return err
	}
	if cert.Generated {
		d.log.WithField("path", cert.CertPath).Info("generated TLS certificate")
	}
	d.cert = cert
	d.tlsCfg = tlsCfg
	return nil
}

func isUnspecified(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// start issues the initial power request and begins serving.
func (d *daemon) start() error {
	policy := display.PolicyBright
	if d.cfg.Controller().InitialScreenState == display.ScreenOff {
		policy = display.PolicyOff
	}
	d.ctrl.RequestPowerState(display.NewPowerRequest(policy), false)

	if err := <-d.srv.StartAsync(d.tlsCfg); err != nil {
		return err
	}

	if d.cfg.MdnsEnabled {
		if err := d.startMdns(); err != nil {
			d.log.WithError(err).Warn("mDNS advertisement unavailable")
		}
	}

	d.wg.Add(1)
	go d.cleanupLoop()
	return nil
}

func (d *daemon) startMdns() error {
	_, portStr, err := net.SplitHostPort(d.cfg.Addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	if host, _, _ := net.SplitHostPort(d.cfg.Addr); host != "" && !isUnspecified(host) {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			d.log.Warn("advertising a loopback address; remote clients cannot connect")
		}
	}
	mc := mdns.Config{Port: port, DisplayID: d.cfg.DisplayID, Name: d.cfg.MdnsName, TLS: d.cert != nil}
	if d.cert != nil {
		mc.Fingerprint = d.cert.Fingerprint
	}
	d.adv = mdns.NewAdvertiser(mc, d.log)
	return d.adv.Start()
}

// cleanupLoop drops stats older than the retention window.
func (d *daemon) cleanupLoop() {
	defer d.wg.Done()
	retention := time.Duration(d.cfg.StatsRetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		n, err := d.store.Cleanup(retention)
		if err != nil {
			d.log.WithError(err).Warn("stats cleanup failed")
		} else if n > 0 {
			d.log.WithField("rows", n).Debug("stats cleanup")
		}
		select {
		case <-ticker.C:
		case <-d.done:
			return
		}
	}
}

// shutdown stops components in reverse order of creation.
func (d *daemon) shutdown() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		if d.adv != nil {
			d.adv.Stop()
		}
		if err := d.srv.Stop(); err != nil {
			d.log.WithError(err).Warn("server stop")
		}
		d.ctrl.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// The stop handler still writes stats and properties.
		select {
		case <-d.ctrl.Done():
		case <-ctx.Done():
			d.log.Warn("controller did not stop before the shutdown timeout")
		}
		if d.blockers != nil {
			if err := d.blockers.Close(ctx); err != nil {
				d.log.WithError(err).Warn("failed to release sleep inhibitor")
			}
		}
		d.closeStorage()
	})
}

func (d *daemon) closeStorage() {
	d.stats.Close()
	if err := d.store.Close(); err != nil {
		d.log.WithError(err).Warn("failed to close database")
	}
}
