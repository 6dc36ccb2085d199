// Package discovery announces an active hosting period over mDNS and
// browses the LAN for other announcing hosts.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_screenlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcement and browsing behavior.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	HostID     string
	DeviceName string
	Port       int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Announcer advertises one hosting period via mDNS. Stop it when hosting
// stops; the advertised host_id is only valid for that period.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the mDNS service for an active hosting period.
func Announce(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.HostID) == "" {
		return nil, errors.New("discovery: host ID is required")
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("discovery: device name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("discovery: port must be > 0")
	}

	txt := []string{
		"host_id=" + cfg.HostID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Host is an announcing host found on the LAN.
type Host struct {
	HostID     string   `json:"host_id"`
	DeviceName string   `json:"device_name"`
	Version    int      `json:"version"`
	Port       int      `json:"port"`
	Addresses  []string `json:"addresses"`
}

// Browse scans for announcing hosts until the scan timeout elapses.
func Browse(ctx context.Context, config Config) ([]Host, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	var hosts []Host
	for entry := range entries {
		if host, ok := parseEntry(entry); ok {
			hosts = append(hosts, host)
		}
	}

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].DeviceName < hosts[j].DeviceName })
	return hosts, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Host, bool) {
	if entry == nil {
		return Host{}, false
	}

	host := Host{
		DeviceName: entry.Instance,
		Port:       entry.Port,
	}
	for _, record := range entry.Text {
		key, value, found := strings.Cut(record, "=")
		if !found {
			continue
		}
		switch key {
		case "host_id":
			host.HostID = value
		case "version":
			if v, err := strconv.Atoi(value); err == nil {
				host.Version = v
			}
		}
	}
	if host.HostID == "" {
		return Host{}, false
	}

	for _, ip := range entry.AddrIPv4 {
		host.Addresses = append(host.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		host.Addresses = append(host.Addresses, ip.String())
	}
	return host, true
}
