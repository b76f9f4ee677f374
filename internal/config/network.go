// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const DefaultAllocdSocket = "/var/run/cuttlefish/allocd.sock"

// Interfaces are the host network devices one instance attaches to.
type Interfaces struct {
	MobileTap          string
	WirelessTap        string
	NonBridgedWireless string
	EthernetTap        string
	SessionID          int
}

// InterfaceAllocator hands out host network interfaces for an instance.
type InterfaceAllocator interface {
	Allocate(ctx context.Context, instance int) (Interfaces, error)
}

// DeterministicInterfaces derives interface names from the instance number.
// The host setup scripts create these devices ahead of time.
type DeterministicInterfaces struct{}

func (DeterministicInterfaces) Allocate(_ context.Context, instance int) (Interfaces, error) {
	return Interfaces{
		MobileTap:          fmt.Sprintf("cvd-mtap-%02d", instance),
		WirelessTap:        fmt.Sprintf("cvd-wtap-%02d", instance),
		NonBridgedWireless: fmt.Sprintf("cvd-wifiap-%02d", instance),
		EthernetTap:        fmt.Sprintf("cvd-etap-%02d", instance),
	}, nil
}

// AllocdClient asks the resource allocator daemon for interfaces. Messages
// are JSON documents preceded by their length as a little-endian uint64.
type AllocdClient struct {
	Socket  string
	UID     int
	Timeout time.Duration
}

type allocdRequest struct {
	RequestType string `json:"request_type"`
	IfaceType   string `json:"iface_type,omitempty"`
	UID         int    `json:"uid"`
}

type allocdResponse struct {
	RequestType   string `json:"request_type"`
	RequestStatus string `json:"request_status"`
	IfaceName     string `json:"iface_name"`
	GlobalID      int    `json:"global_id"`
	Error         string `json:"error"`
}

type allocdConfigResponse struct {
	ConfigStatus string           `json:"config_status"`
	SessionID    int              `json:"session_id"`
	ResponseList []allocdResponse `json:"response_list"`
}

var allocdIfaceTypes = []string{"mtap", "wtap", "etap"}

func (c AllocdClient) Allocate(ctx context.Context, instance int) (Interfaces, error) {
	socket := c.Socket
	if socket == "" {
		socket = DefaultAllocdSocket
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return Interfaces{}, cvd.Wrap(cvd.FatalInternal, err, "Failed to acquire network interfaces")
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var reqs []allocdRequest
	for _, t := range allocdIfaceTypes {
		reqs = append(reqs, allocdRequest{RequestType: "create_interface", IfaceType: t, UID: c.UID})
	}
	msg := map[string]any{"config_request": map[string]any{"request_list": reqs}}
	if err := writeAllocdMsg(conn, msg); err != nil {
		return Interfaces{}, cvd.Wrap(cvd.FatalInternal, err, "Failed to acquire network interfaces")
	}
	var resp allocdConfigResponse
	if err := readAllocdMsg(conn, &resp); err != nil {
		return Interfaces{}, cvd.Wrap(cvd.FatalInternal, err, "Failed to acquire network interfaces")
	}
	if resp.ConfigStatus != "success" || len(resp.ResponseList) != len(allocdIfaceTypes) {
		return Interfaces{}, cvd.Errorf(cvd.FatalInternal, "Failed to acquire network interfaces: allocd status %q", resp.ConfigStatus)
	}
	ifaces := Interfaces{SessionID: resp.SessionID}
	for i, r := range resp.ResponseList {
		if r.RequestStatus != "success" || r.IfaceName == "" {
			return Interfaces{}, cvd.Errorf(cvd.FatalInternal, "Failed to acquire network interfaces: %s: %s", allocdIfaceTypes[i], r.Error)
		}
		switch allocdIfaceTypes[i] {
		case "mtap":
			ifaces.MobileTap = r.IfaceName
		case "wtap":
			ifaces.WirelessTap = r.IfaceName
		case "etap":
			ifaces.EthernetTap = r.IfaceName
		}
	}
	// allocd has no non-bridged wireless pool.
	ifaces.NonBridgedWireless = fmt.Sprintf("cvd-wifiap-%02d", instance)
	return ifaces, nil
}

func writeAllocdMsg(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readAllocdMsg(r io.Reader, v any) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if n > 1<<20 {
		return fmt.Errorf("allocd message of %d bytes is too large", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// MAC type octets.
const (
	macMobile   = 0xf0
	macWifi     = 0xe0
	macEthernet = 0xe1
)

func macForInstance(index int, kind byte) [6]byte {
	return [6]byte{0x02, 0x1a, 0x11, kind, byte(index >> 8), byte(index)}
}

func MobileMac(index int) [6]byte   { return macForInstance(index, macMobile) }
func WifiMac(index int) [6]byte     { return macForInstance(index, macWifi) }
func EthernetMac(index int) [6]byte { return macForInstance(index, macEthernet) }

func MacString(mac [6]byte) string {
	return net.HardwareAddr(mac[:]).String()
}

// LinkLocalIPv6 is the EUI-64 link-local address the guest derives from mac.
func LinkLocalIPv6(mac [6]byte) string {
	var a [16]byte
	a[0], a[1] = 0xfe, 0x80
	a[8] = mac[0] ^ 0x02
	a[9], a[10] = mac[1], mac[2]
	a[11], a[12] = 0xff, 0xfe
	a[13], a[14], a[15] = mac[3], mac[4], mac[5]
	return netip.AddrFrom16(a).String()
}

// RilAddressing is the /30 the modem tap of instance index lives in.
type RilAddressing struct {
	IPAddr    string
	Gateway   string
	Broadcast string
	PrefixLen int
}

func RilAddressFor(index int) RilAddressing {
	base := 4 * ((index - 1) & 0x3f)
	addr := func(host int) string {
		return netip.AddrFrom4([4]byte{192, 168, 97, byte(base + host)}).String()
	}
	return RilAddressing{
		Gateway:   addr(1),
		IPAddr:    addr(2),
		Broadcast: addr(3),
		PrefixLen: 30,
	}
}
