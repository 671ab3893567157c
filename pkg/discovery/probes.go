// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.bug.st/serial/enumerator"
	"tinygo.org/x/bluetooth"

	"github.com/neurascale/neural-engine/pkg/types"
)

// serialSignature matches a USB serial bridge to a board family.
type serialSignature struct {
	vid, pid   string
	deviceType string
}

// Known acquisition dongles. Cyton ships an FTDI bridge; Ganglion's BLED112
// dongle enumerates as a Silicon Labs CDC device.
var serialSignatures = []serialSignature{
	{vid: "0403", pid: "6015", deviceType: "cyton"},
	{vid: "2458", pid: "0001", deviceType: "ganglion-dongle"},
}

// listPorts is swapped out by tests.
var listPorts = enumerator.GetDetailedPortsList

// SerialProbe enumerates USB serial ports and matches VID/PID signatures.
type SerialProbe struct{}

func (SerialProbe) Protocol() types.Protocol { return types.ProtocolSerial }

func (SerialProbe) Probe(_ context.Context) ([]types.DiscoveredDevice, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("serial enumeration: %w", err)
	}
	var out []types.DiscoveredDevice
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		for _, sig := range serialSignatures {
			if strings.EqualFold(port.VID, sig.vid) && strings.EqualFold(port.PID, sig.pid) {
				out = append(out, types.DiscoveredDevice{
					DiscoveryID:  ID(types.ProtocolSerial, port.Name),
					DeviceType:   sig.deviceType,
					Protocol:     types.ProtocolSerial,
					Endpoint:     port.Name,
					FriendlyName: fmt.Sprintf("%s (%s)", sig.deviceType, port.Name),
				})
			}
		}
	}
	return out, nil
}

// bleNameTable maps advertised name prefixes to board families.
var bleNameTable = map[string]string{
	"Muse":     "muse2",
	"Ganglion": "ganglion",
}

// BluetoothProbe scans BLE advertisements against the curated name table.
type BluetoothProbe struct {
	// ScanWindow bounds the advertisement listen time.
	ScanWindow time.Duration
}

func (BluetoothProbe) Protocol() types.Protocol { return types.ProtocolBluetooth }

func (p BluetoothProbe) Probe(ctx context.Context) ([]types.DiscoveredDevice, error) {
	window := p.ScanWindow
	if window == 0 {
		window = 3 * time.Second
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bluetooth adapter: %w", err)
	}

	var (
		mu    sync.Mutex
		found = make(map[string]types.DiscoveredDevice)
	)
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		adapter.StopScan()
	}()

	err := adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		for prefix, deviceType := range bleNameTable {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			addr := result.Address.String()
			rssi := result.RSSI
			mu.Lock()
			found[addr] = types.DiscoveredDevice{
				DiscoveryID:  ID(types.ProtocolBluetooth, addr),
				DeviceType:   deviceType,
				Protocol:     types.ProtocolBluetooth,
				Endpoint:     addr,
				RSSI:         &rssi,
				FriendlyName: name,
			}
			mu.Unlock()
		}
	})
	if err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("bluetooth scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]types.DiscoveredDevice, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	return out, nil
}

// MDNSProbe browses the advertised service types.
type MDNSProbe struct {
	// Services defaults to the engine's own advertisement.
	Services []string
	Window   time.Duration
}

func (MDNSProbe) Protocol() types.Protocol { return types.ProtocolMDNS }

func (p MDNSProbe) Probe(ctx context.Context) ([]types.DiscoveredDevice, error) {
	services := p.Services
	if len(services) == 0 {
		services = []string{"_neurascale._tcp"}
	}
	window := p.Window
	if window == 0 {
		window = 3 * time.Second
	}

	var out []types.DiscoveredDevice
	for _, service := range services {
		resolver, err := zeroconf.NewResolver()
		if err != nil {
			return nil, fmt.Errorf("mdns resolver: %w", err)
		}
		entries := make(chan *zeroconf.ServiceEntry)
		browseCtx, cancel := context.WithTimeout(ctx, window)
		if err := resolver.Browse(browseCtx, service, "local.", entries); err != nil {
			cancel()
			return nil, fmt.Errorf("mdns browse %s: %w", service, err)
		}
		for entry := range entries {
			endpoint := entry.HostName
			if len(entry.AddrIPv4) > 0 {
				endpoint = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
			}
			out = append(out, types.DiscoveredDevice{
				DiscoveryID:  ID(types.ProtocolMDNS, endpoint),
				DeviceType:   strings.TrimPrefix(service, "_"),
				Protocol:     types.ProtocolMDNS,
				Endpoint:     endpoint,
				FriendlyName: entry.Instance,
			})
		}
		cancel()
	}
	return out, nil
}

// LSLProbe queries a streamfeed endpoint for matching streams.
type LSLProbe struct {
	// FeedAddr is the host:port of the streamfeed.
	FeedAddr string
	// Types filters advertised stream types.
	Types []string
}

func (LSLProbe) Protocol() types.Protocol { return types.ProtocolLSL }

// lslAdvert is one stream advertisement returned by the feed.
type lslAdvert struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	ChannelCount int     `json:"channel_count"`
	NominalSRate float64 `json:"nominal_srate"`
}

func (p LSLProbe) Probe(ctx context.Context) ([]types.DiscoveredDevice, error) {
	if p.FeedAddr == "" {
		return nil, nil
	}
	wanted := p.Types
	if len(wanted) == 0 {
		wanted = []string{"EEG", "ECoG", "Marker"}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.FeedAddr)
	if err != nil {
		return nil, fmt.Errorf("lsl feed %s: %w", p.FeedAddr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "QUERY %s\n", strings.Join(wanted, ",")); err != nil {
		return nil, fmt.Errorf("lsl query: %w", err)
	}

	var out []types.DiscoveredDevice
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "END" {
			break
		}
		var advert lslAdvert
		if err := json.Unmarshal([]byte(line), &advert); err != nil {
			return out, fmt.Errorf("lsl advert: %w", err)
		}
		endpoint := p.FeedAddr + "/" + advert.Name
		out = append(out, types.DiscoveredDevice{
			DiscoveryID:  ID(types.ProtocolLSL, endpoint),
			DeviceType:   "lsl-" + strings.ToLower(advert.Type),
			Protocol:     types.ProtocolLSL,
			Endpoint:     endpoint,
			FriendlyName: advert.Name,
		})
	}
	return out, scanner.Err()
}

// SyntheticProbe returns the simulator entry when enabled.
type SyntheticProbe struct {
	Enabled bool
}

func (SyntheticProbe) Protocol() types.Protocol { return types.ProtocolSynthetic }

func (p SyntheticProbe) Probe(_ context.Context) ([]types.DiscoveredDevice, error) {
	if !p.Enabled {
		return nil, nil
	}
	return []types.DiscoveredDevice{{
		DiscoveryID:  ID(types.ProtocolSynthetic, "synthetic-0"),
		DeviceType:   "synthetic",
		Protocol:     types.ProtocolSynthetic,
		Endpoint:     "synthetic-0",
		FriendlyName: "Synthetic EEG board",
	}}, nil
}
