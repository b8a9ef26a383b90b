package mdns

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestTXTRecords(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "plain",
			cfg:  Config{Name: "desk", DisplayID: 0},
			want: []string{"version=1", "name=desk", "display=0"},
		},
		{
			name: "tls with fingerprint",
			cfg:  Config{Name: "desk", DisplayID: 2, TLS: true, Fingerprint: "AA:BB"},
			want: []string{"version=1", "name=desk", "display=2", "tls=1", "fp=AA:BB"},
		},
		{
			name: "fingerprint ignored without tls",
			cfg:  Config{Name: "desk", Fingerprint: "AA:BB"},
			want: []string{"version=1", "name=desk", "display=0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.cfg.txtRecords()); diff != "" {
				t.Fatalf("txt mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInstanceNameDefaultsToHostname(t *testing.T) {
	if got := (Config{}).instanceName(); got == "" {
		t.Fatal("instance name is empty")
	}
	if got := (Config{Name: "kiosk"}).instanceName(); got != "kiosk" {
		t.Fatalf("instance name = %q, want kiosk", got)
	}
}

func TestHostFromEntry(t *testing.T) {
	got := hostFromEntry("raw", 7171,
		nil, []string{"fe80::1"},
		[]string{"version=1", "name=kiosk", "display=3", "tls=1", "fp=AA:BB", "junk"})
	want := Host{
		Name:        "kiosk",
		Addr:        "fe80::1",
		Port:        7171,
		DisplayID:   3,
		TLS:         true,
		Fingerprint: "AA:BB",
		Version:     "1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("host mismatch (-want +got):\n%s", diff)
	}
	if u := got.URL(); u != "https://[fe80::1]:7171" {
		t.Fatalf("URL = %q", u)
	}

	plain := hostFromEntry("desk", 80, []string{"192.168.1.5"}, []string{"fe80::1"}, nil)
	if plain.Addr != "192.168.1.5" {
		t.Fatalf("addr = %q, want the IPv4 address", plain.Addr)
	}
	if u := plain.URL(); u != "http://192.168.1.5:80" {
		t.Fatalf("URL = %q", u)
	}
}

func TestAdvertiserStopBeforeStart(t *testing.T) {
	a := NewAdvertiser(Config{Port: 7171}, quietLog())
	if a.IsRunning() {
		t.Fatal("advertiser running before Start")
	}
	a.Stop()
	a.Stop()
	if a.IsRunning() {
		t.Fatal("advertiser running after Stop")
	}
}

// TestAdvertiserStartStop needs multicast networking.
func TestAdvertiserStartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	a := NewAdvertiser(Config{Port: 7171, Name: "dispctl-test"}, quietLog())
	if err := a.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	if !a.IsRunning() {
		t.Error("advertiser not running after Start")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	a.Stop()
	if a.IsRunning() {
		t.Error("advertiser running after Stop")
	}
}

func TestDiscoverIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	a := NewAdvertiser(Config{Port: 7172, Name: "dispctl-discover", DisplayID: 1}, quietLog())
	if err := a.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Stop()
	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	hosts, err := Discover(ctx)
	if err != nil {
		t.Skipf("browse unavailable: %v", err)
	}
	for _, h := range hosts {
		if h.Name == "dispctl-discover" {
			if h.Port != 7172 || h.DisplayID != 1 {
				t.Errorf("host = %+v", h)
			}
			return
		}
	}
	// mDNS is unreliable in CI.
	t.Log("test host not discovered")
}
