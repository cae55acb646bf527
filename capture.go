// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"errors"
	"iter"
	"net"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotSNMP is returned for frames that carry no UDP datagram on one of the
// ports being decoded.
var ErrNotSNMP = errors.New("frame does not carry an SNMP datagram")

// DefaultCapturePorts are the agent and notification ports.
var DefaultCapturePorts = []uint16{161, 162}

// A CapturedMessage is an SNMP message recovered from a captured frame.
type CapturedMessage struct {
	Timestamp time.Time
	Src       *net.UDPAddr
	Dst       *net.UDPAddr
	Packet    *SnmpPacket
}

// DecodeFrame decodes an Ethernet frame carrying IPv4 or IPv6 and UDP. The
// datagram is decoded as SNMP when either UDP port is in ports, or in
// DefaultCapturePorts when none are given.
//
// The same limits as Decode apply: encrypted v3 messages fail with an
// *AuthenticationError.
func DecodeFrame(frame []byte, ports ...uint16) (*CapturedMessage, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	return DecodePacket(pkt, ports...)
}

// DecodePacket is DecodeFrame for a packet already decoded by gopacket, for
// example one read from a pcap file or a live PacketSource.
func DecodePacket(pkt gopacket.Packet, ports ...uint16) (*CapturedMessage, error) {
	if len(ports) == 0 {
		ports = DefaultCapturePorts
	}
	if layer := pkt.ErrorLayer(); layer != nil {
		return nil, &CodecError{Field: "captured frame", Err: layer.Error()}
	}

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, ErrNotSNMP
	}
	if !slices.Contains(ports, uint16(udp.SrcPort)) && !slices.Contains(ports, uint16(udp.DstPort)) {
		return nil, ErrNotSNMP
	}

	var srcIP, dstIP net.IP
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	default:
		return nil, ErrNotSNMP
	}

	packet, err := Decode(udp.Payload)
	if err != nil {
		return nil, err
	}
	return &CapturedMessage{
		Timestamp: pkt.Metadata().Timestamp,
		Src:       &net.UDPAddr{IP: slices.Clone(srcIP), Port: int(udp.SrcPort)},
		Dst:       &net.UDPAddr{IP: slices.Clone(dstIP), Port: int(udp.DstPort)},
		Packet:    packet,
	}, nil
}

// Captured yields the SNMP messages read from src. Frames that are not SNMP
// are skipped; frames that are SNMP but fail to decode yield their error and
// the sequence continues.
func Captured(src *gopacket.PacketSource, ports ...uint16) iter.Seq2[*CapturedMessage, error] {
	return func(yield func(*CapturedMessage, error) bool) {
		for pkt := range src.Packets() {
			msg, err := DecodePacket(pkt, ports...)
			if errors.Is(err, ErrNotSNMP) {
				continue
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}
