package onvif

import (
	"context"
	"fmt"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/gofrs/uuid"
	"github.com/juju/errors"
	"golang.org/x/net/ipv4"
)

const probeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"
          xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
          xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
          xmlns:dn="http://www.onvif.org/ver10/network/wsdl"
          xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
    <Header>
        <a:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
        <a:MessageID>%s</a:MessageID>
        <a:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
    </Header>
    <Body>
        <d:Probe>
            <d:Types>%s</d:Types>
        </d:Probe>
    </Body>
</Envelope>`

func (o DiscoveryOptions) withDefaults() DiscoveryOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MulticastAddr == "" {
		o.MulticastAddr = DefaultMulticastAddr
	}
	if o.TTL <= 0 {
		o.TTL = DefaultDiscoveryTTL
	}
	if o.Types == "" {
		o.Types = "dn:NetworkVideoTransmitter"
	}
	return o
}

// Discover sends one WS-Discovery probe and yields every distinct device
// that answers before the timeout or ctx expires. The socket is opened when
// iteration starts and closed when it ends, so the sequence is single-shot.
func Discover(ctx context.Context, options DiscoveryOptions) iter.Seq2[DiscoveredDevice, error] {
	opts := options.withDefaults()

	return func(yield func(DiscoveredDevice, error) bool) {
		conn, messageID, err := sendProbe(opts)
		if err != nil {
			yield(DiscoveredDevice{}, err)
			return
		}
		defer conn.Close()

		deadline := time.Now().Add(opts.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			yield(DiscoveredDevice{}, errors.Annotate(err, "set read deadline"))
			return
		}
		stop := context.AfterFunc(ctx, func() {
			_ = conn.SetReadDeadline(time.Now())
		})
		defer stop()

		seen := map[string]bool{}
		buffer := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					return
				}
				yield(DiscoveredDevice{}, errors.Annotate(err, "read probe match"))
				return
			}

			devices, err := parseProbeMatches(buffer[:n], messageID)
			if err != nil {
				continue
			}
			for _, dev := range devices {
				key := dev.URN
				if key == "" && len(dev.XAddrs) > 0 {
					key = dev.XAddrs[0]
				}
				// Matches with no identity at all cannot be told apart.
				if key != "" {
					if seen[key] {
						continue
					}
					seen[key] = true
				}
				if !yield(dev, nil) {
					return
				}
			}
		}
	}
}

// DiscoverAll collects the result of Discover into a slice.
func DiscoverAll(ctx context.Context, options DiscoveryOptions) ([]DiscoveredDevice, error) {
	var devices []DiscoveredDevice
	for dev, err := range Discover(ctx, options) {
		if err != nil {
			return devices, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func sendProbe(opts DiscoveryOptions) (*net.UDPConn, string, error) {
	addr, err := net.ResolveUDPAddr("udp4", opts.MulticastAddr)
	if err != nil {
		return nil, "", errors.Annotate(err, "resolve multicast address")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, "", errors.Annotate(err, "create UDP socket")
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(opts.TTL); err != nil {
		conn.Close()
		return nil, "", errors.Annotate(err, "set multicast TTL")
	}
	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			conn.Close()
			return nil, "", errors.Annotatef(err, "interface %q", opts.Interface)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, "", errors.Annotate(err, "set multicast interface")
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		conn.Close()
		return nil, "", errors.Annotate(err, "generate message id")
	}
	messageID := "uuid:" + id.String()

	probe := fmt.Sprintf(probeTemplate, messageID, escapeXML(opts.Types))
	if _, err := conn.WriteToUDP([]byte(probe), addr); err != nil {
		conn.Close()
		return nil, "", errors.Annotate(err, "send probe")
	}
	return conn, messageID, nil
}

// parseProbeMatches reads a ProbeMatches envelope. Answers relating to a
// different probe are rejected; devices that omit RelatesTo are accepted.
func parseProbeMatches(data []byte, messageID string) ([]DiscoveredDevice, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errors.Annotate(err, "parse probe match")
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.NotValidf("empty probe match")
	}

	if relates := childText(root, "Header", "RelatesTo"); relates != "" && messageID != "" && relates != messageID {
		return nil, errors.NotValidf("probe match for %s", relates)
	}

	matches := child(root, "Body", "ProbeMatches")
	if matches == nil {
		return nil, errors.NotValidf("envelope without ProbeMatches")
	}

	var devices []DiscoveredDevice
	for _, m := range matches.SelectElements("ProbeMatch") {
		version, _ := strconv.Atoi(childText(m, "MetadataVersion"))
		devices = append(devices, DiscoveredDevice{
			URN:             childText(m, "EndpointReference", "Address"),
			Types:           strings.Fields(childText(m, "Types")),
			Scopes:          strings.Fields(childText(m, "Scopes")),
			XAddrs:          strings.Fields(childText(m, "XAddrs")),
			MetadataVersion: version,
		})
	}
	return devices, nil
}
