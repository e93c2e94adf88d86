// Package discovery browses the local network for Archon controllers
// advertising themselves over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// serviceName is the mDNS service type an Archon controller's network
// interface box is expected to advertise.
const serviceName = "_archon._tcp"

// Controller describes one Archon controller found on the network.
type Controller struct {
	Instance  string // Advertised name, e.g. "archon on sp1-blue"
	Hostname  string // DNS hostname, e.g. "sp1-blue.local."
	Addresses []net.IP
	Port      int
	TXT       []string // Raw "key=value" metadata records, as advertised

	// FirmwareVersion and BackplaneID are pulled out of TXT when the
	// controller advertises a "firmware="/"fw=" or "backplane="/"bp="
	// record; both are empty if the advertisement omits them.
	FirmwareVersion string
	BackplaneID     string
}

// Discover performs a blocking mDNS browse for serviceName and returns
// deduplicated controller entries, keyed by hostname+port.
func Discover(ctx context.Context, timeout time.Duration) ([]Controller, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Controller)

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
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				firmware, backplane := parseArchonTXT(e.Text)
				resultMap[key] = Controller{
					Instance:        cleanInstance(e.Instance),
					Hostname:        e.HostName,
					Addresses:       addrs,
					Port:            e.Port,
					TXT:             append([]string{}, e.Text...),
					FirmwareVersion: firmware,
					BackplaneID:     backplane,
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	<-done

	out := make([]Controller, 0, len(resultMap))
	for _, c := range resultMap {
		out = append(out, c)
	}
	return out, nil
}

// cleanInstance removes zeroconf's "\ " escape sequence from an instance
// name.
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// parseArchonTXT pulls firmware version and backplane id out of a raw
// TXT record set, recognizing both the long and short key spellings an
// Archon network interface box may advertise.
func parseArchonTXT(txt []string) (firmware, backplane string) {
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "firmware", "fw":
			firmware = value
		case "backplane", "bp":
			backplane = value
		}
	}
	return firmware, backplane
}
