// Package mdns advertises the dispctl API on the local network with
// DNS-SD so compositors and remote CLIs can find it without configuration.
//
// The advertisement carries the service type _dispctl._tcp and TXT records
// naming the protocol version, the controlled display, and whether the API
// is served over TLS (with the certificate fingerprint when it is).
package mdns

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// ServiceType is the DNS-SD service type.
const ServiceType = "_dispctl._tcp"

// ProtocolVersion identifies the WebSocket message protocol.
const ProtocolVersion = "1"

// Config describes what to advertise.
type Config struct {
	// Port is the API port.
	Port int
	// DisplayID is the logical display the daemon controls.
	DisplayID int
	// Name is the instance name. Defaults to the hostname.
	Name string
	// TLS marks the API as HTTPS/WSS only.
	TLS bool
	// Fingerprint is the SHA-256 certificate fingerprint when TLS is on.
	Fingerprint string
}

// Advertiser manages one DNS-SD registration.
type Advertiser struct {
	config Config
	log    *logrus.Entry

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser. Nothing is registered until Start.
func NewAdvertiser(cfg Config, log *logrus.Entry) *Advertiser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Advertiser{config: cfg, log: log.WithField("component", "mdns")}
}

func (c Config) instanceName() string {
	if c.Name != "" {
		return c.Name
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "dispctl"
}

// txtRecords builds the TXT strings. Each must stay under 255 bytes; a
// colon separated SHA-256 fingerprint is 95.
func (c Config) txtRecords() []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + c.instanceName(),
		"display=" + strconv.Itoa(c.DisplayID),
	}
	if c.TLS {
		txt = append(txt, "tls=1")
		if c.Fingerprint != "" {
			txt = append(txt, "fp="+c.Fingerprint)
		}
	}
	return txt
}

// Start registers the service. Calling it while running does nothing.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	name := a.config.instanceName()
	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.config.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	a.log.WithFields(logrus.Fields{"name": name, "port": a.config.Port}).Info("advertising " + ServiceType)
	return nil
}

// Stop withdraws the service. Safe to call when not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.log.Debug("advertisement withdrawn")
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Host is a daemon found by Discover.
type Host struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Port        int    `json:"port"`
	DisplayID   int    `json:"display_id"`
	TLS         bool   `json:"tls"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Version     string `json:"version"`
}

// URL is the API base URL of h.
func (h Host) URL() string {
	scheme := "http"
	if h.TLS {
		scheme = "https"
	}
	addr := h.Addr
	if strings.Contains(addr, ":") {
		addr = "[" + addr + "]"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, addr, h.Port)
}

// hostFromEntry decodes one browse result. IPv4 is preferred.
func hostFromEntry(instance string, port int, ipv4, ipv6 []string, text []string) Host {
	h := Host{Name: instance, Port: port}
	if len(ipv4) > 0 {
		h.Addr = ipv4[0]
	} else if len(ipv6) > 0 {
		h.Addr = ipv6[0]
	}
	for _, txt := range text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			h.Version = value
		case "name":
			h.Name = value
		case "display":
			if id, err := strconv.Atoi(value); err == nil {
				h.DisplayID = id
			}
		case "tls":
			h.TLS = value == "1"
		case "fp":
			h.Fingerprint = value
		}
	}
	return h
}

// Discover browses for daemons until ctx ends.
func Discover(ctx context.Context) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []Host
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			var v4, v6 []string
			for _, ip := range e.AddrIPv4 {
				v4 = append(v4, ip.String())
			}
			for _, ip := range e.AddrIPv6 {
				v6 = append(v6, ip.String())
			}
			hosts = append(hosts, hostFromEntry(e.Instance, e.Port, v4, v6, e.Text))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The resolver closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()
	return hosts, nil
}
