// Package discovery advertises a node's diagnostic endpoints over mDNS and
// browses for other nodes on the local link.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
)

// Service is the DNS-SD service type of a ranging node.
const Service = "_tdma-node._tcp"

// Domain is the mDNS domain.
const Domain = "local."

// Advertisement describes what a node publishes.
type Advertisement struct {
	// Instance is the advertised instance name. Defaults to "tdma-node-<device id>".
	Instance string
	// Port is the health/metrics port peers should contact.
	Port     int
	DeviceID uint32
	PANID    uint16
	Address  uint16
	SlotID   int
	Roles    []string
}

// InstanceName returns the advertised instance name.
func (a Advertisement) InstanceName() string {
	if a.Instance != "" {
		return a.Instance
	}
	return fmt.Sprintf("tdma-node-%08x", a.DeviceID)
}

// TXT renders the TXT record.
func (a Advertisement) TXT() []string {
	txt := []string{
		"device_id=" + fmt.Sprintf("%08x", a.DeviceID),
		"pan_id=" + fmt.Sprintf("%04x", a.PANID),
		"addr=" + fmt.Sprintf("%04x", a.Address),
		"slot=" + strconv.Itoa(a.SlotID),
	}
	if len(a.Roles) > 0 {
		txt = append(txt, "roles="+strings.Join(a.Roles, ","))
	}
	return txt
}

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	log    logging.Logger
	name   string
}

// Advertise registers ad on all multicast interfaces.
func Advertise(ad Advertisement, log logging.Logger) (*Advertiser, error) {
	if log == nil {
		log = logging.Noop()
	}
	if ad.Port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", ad.Port)
	}
	name := ad.InstanceName()
	server, err := zeroconf.Register(name, Service, Domain, ad.Port, ad.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	log.Info(context.Background(), "advertising node over mDNS",
		logging.String("instance", name),
		logging.String("service", Service),
		logging.Int("port", ad.Port),
	)
	return &Advertiser{server: server, log: log, name: name}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info(context.Background(), "mDNS advertisement withdrawn", logging.String("instance", a.name))
}

// Peer is a node found by Browse.
type Peer struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       map[string]string
}

// Browse collects nodes advertising Service until ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Peer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				p := peerFromEntry(e)
				found[fmt.Sprintf("%s|%d", p.Hostname, p.Port)] = p
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Peer, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.Instance, b.Instance) })
	return out, nil
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Peer{
		Instance:  strings.ReplaceAll(e.Instance, `\ `, " "),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       ParseTXT(e.Text),
	}
}

// ParseTXT splits key=value TXT strings. Entries without '=' map to "".
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}
