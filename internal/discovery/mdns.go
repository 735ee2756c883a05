package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
)

const (
	// DefaultService is the mDNS service type relays announce.
	DefaultService = "_quickdrop._tcp"
	DefaultDomain  = "local."
	// DefaultVersion is the relay protocol version carried in TXT records.
	DefaultVersion     = 1
	DefaultPath        = "/ws"
	DefaultScanTimeout = 3 * time.Second
)

var ErrNoRelay = errors.New("discovery: no relay found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and lookup.
type Config struct {
	Service     string
	Domain      string
	Instance    string
	Port        int
	Path        string
	Version     int
	ScanTimeout time.Duration

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
	if out.Path == "" {
		out.Path = DefaultPath
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

// Relay is one relay found on the local network.
type Relay struct {
	Instance  string
	HostName  string
	Port      int
	Path      string
	Version   int
	Addresses []string
}

// URL returns the WebSocket endpoint of the relay, preferring IPv4.
func (r Relay) URL() string {
	host := r.HostName
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(r.Port)),
		Path:   r.Path,
	}
	return u.String()
}

// Advertiser keeps a relay registered on mDNS until stopped.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise announces the relay listening on cfg.Port.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("discovery: port must be > 0")
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + cfg.Path,
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse scans for relays for at most cfg.ScanTimeout or until ctx ends.
// Results are sorted by instance name.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]Relay)
	var mu sync.Mutex
	collectorDone := make(chan struct{})

	add := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		if relay, valid := parseEntry(entry); valid {
			mu.Lock()
			found[relay.Instance] = relay
			mu.Unlock()
		}
	}

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				// pick up whatever was queued before the window closed
				for {
					select {
					case entry, ok := <-entries:
						if !ok {
							return
						}
						add(entry)
					default:
						return
					}
				}
			case entry, ok := <-entries:
				if !ok {
					return
				}
				add(entry)
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}
	<-scanCtx.Done()
	<-collectorDone

	mu.Lock()
	relays := lo.Values(found)
	mu.Unlock()
	sort.Slice(relays, func(i, j int) bool { return relays[i].Instance < relays[j].Instance })
	return relays, nil
}

// First returns the first relay found or ErrNoRelay.
func First(ctx context.Context, config Config) (Relay, error) {
	relays, err := Browse(ctx, config)
	if err != nil {
		return Relay{}, err
	}
	if len(relays) == 0 {
		return Relay{}, ErrNoRelay
	}
	return relays[0], nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry.Port <= 0 {
		return Relay{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if v, err := strconv.Atoi(txt["version"]); err == nil {
		version = v
	}
	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}

	v4 := lo.FilterMap(entry.AddrIPv4, func(ip net.IP, _ int) (string, bool) { return ip.String(), ip != nil })
	v6 := lo.FilterMap(entry.AddrIPv6, func(ip net.IP, _ int) (string, bool) { return ip.String(), ip != nil })
	sort.Strings(v4)
	sort.Strings(v6)
	addresses := lo.Uniq(append(v4, v6...))

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" && len(addresses) == 0 {
		return Relay{}, false
	}

	return Relay{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Path:      path,
		Version:   version,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
