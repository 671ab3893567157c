// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/types"
)

type fakeProbe struct {
	protocol types.Protocol
	mu       sync.Mutex
	devices  []types.DiscoveredDevice
	err      error
	calls    int
}

func (f *fakeProbe) Protocol() types.Protocol { return f.protocol }

func (f *fakeProbe) Probe(context.Context) ([]types.DiscoveredDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.devices, f.err
}

func (f *fakeProbe) set(devices []types.DiscoveredDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func dev(protocol types.Protocol, endpoint string) types.DiscoveredDevice {
	return types.DiscoveredDevice{
		DiscoveryID: ID(protocol, endpoint),
		DeviceType:  "test",
		Protocol:    protocol,
		Endpoint:    endpoint,
	}
}

func TestStableDiscoveryID(t *testing.T) {
	a := ID(types.ProtocolSerial, "/dev/ttyUSB0")
	b := ID(types.ProtocolSerial, "/dev/ttyUSB0")
	c := ID(types.ProtocolBluetooth, "/dev/ttyUSB0")
	assert.Equal(t, a, b, "same endpoint, same id")
	assert.NotEqual(t, a, c, "protocol is part of the identity")
	assert.Len(t, a, 16)
}

func TestQuickScanCollectsPartialFailures(t *testing.T) {
	good := &fakeProbe{protocol: types.ProtocolSerial,
		devices: []types.DiscoveredDevice{dev(types.ProtocolSerial, "/dev/ttyUSB0")}}
	bad := &fakeProbe{protocol: types.ProtocolBluetooth, err: errors.New("adapter off")}
	also := &fakeProbe{protocol: types.ProtocolSynthetic,
		devices: []types.DiscoveredDevice{dev(types.ProtocolSynthetic, "synthetic-0")}}

	s := NewScanner(nil, nil, good, bad, also)
	result := s.QuickScan(context.Background(), time.Second)

	assert.Len(t, result.Devices, 2, "failing bus must not hide other results")
	require.Contains(t, result.Errors, types.ProtocolBluetooth)
	assert.Contains(t, result.Errors[types.ProtocolBluetooth], "adapter off")
}

func TestSubscribeEmitsAppearDisappear(t *testing.T) {
	probe := &fakeProbe{protocol: types.ProtocolSerial}
	s := NewScanner(nil, nil, probe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, 5*time.Millisecond, time.Second)

	first := dev(types.ProtocolSerial, "/dev/ttyUSB0")
	probe.set([]types.DiscoveredDevice{first})

	var ev Event
	select {
	case ev = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no appearance event")
	}
	require.Len(t, ev.Appeared, 1)
	assert.Equal(t, first.DiscoveryID, ev.Appeared[0].DiscoveryID)
	assert.Equal(t, []types.DiscoveredDevice{first}, s.Known())

	probe.set(nil)
	select {
	case ev = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no disappearance event")
	}
	require.Len(t, ev.Disappeared, 1)
	assert.Empty(t, s.Known())
}

func TestSyntheticProbeGated(t *testing.T) {
	off, err := SyntheticProbe{}.Probe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, off)

	on, err := SyntheticProbe{Enabled: true}.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, on, 1)
	assert.Equal(t, types.ProtocolSynthetic, on[0].Protocol)
	assert.Equal(t, ID(types.ProtocolSynthetic, "synthetic-0"), on[0].DiscoveryID)
}

func TestLSLProbeQuery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		assert.Contains(t, line, "QUERY EEG,ECoG,Marker")
		for _, advert := range []lslAdvert{
			{Name: "amp-1", Type: "EEG", ChannelCount: 32, NominalSRate: 500},
			{Name: "markers", Type: "Marker", ChannelCount: 1, NominalSRate: 0},
		} {
			raw, _ := json.Marshal(advert)
			fmt.Fprintf(conn, "%s\n", raw)
		}
		fmt.Fprintln(conn, "END")
	}()

	probe := LSLProbe{FeedAddr: ln.Addr().String()}
	devices, err := probe.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "lsl-eeg", devices[0].DeviceType)
	assert.Equal(t, "amp-1", devices[0].FriendlyName)
	assert.Equal(t, types.ProtocolLSL, devices[0].Protocol)

	// unconfigured feed probes empty, not failing
	none, err := LSLProbe{}.Probe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, none)
}
