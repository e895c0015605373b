package main

import (
	"fmt"
	"net"

	"github.com/pion/mdns/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// startMDNSServer answers mDNS queries for localName so the admin API can
// be found on the LAN
func startMDNSServer(localName string) (*mdns.Conn, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolving mDNS udp4 address: %w", err)
	}

	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		return nil, fmt.Errorf("resolving mDNS udp6 address: %w", err)
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listening on udp4: %w", err)
	}

	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		l4.Close()
		return nil, fmt.Errorf("listening on udp6: %w", err)
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		l4.Close()
		l6.Close()
		return nil, fmt.Errorf("starting mDNS server: %w", err)
	}
	log.Info().Str("name", localName).Msg("mDNS announcement started")
	return conn, nil
}
