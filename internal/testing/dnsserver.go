// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package internaltesting

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// RequireNewDNSServer starts a DNS server answering A queries from zones
// (fully-qualified name -> addresses) and NXDOMAIN for everything else.
// It returns the server's UDP address.
func RequireNewDNSServer(t *testing.T, zones map[string][]string) (addr string) {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		msg := dns.Msg{}
		msg.SetReply(r)
		msg.Authoritative = true
		for _, q := range r.Question {
			if q.Qtype != dns.TypeA {
				continue
			}
			ips, ok := zones[q.Name]
			if !ok {
				msg.SetRcode(r, dns.RcodeNameError)
				break
			}
			for _, ip := range ips {
				rr, err := dns.NewRR(q.Name + " A " + ip)
				require.NoError(t, err)
				msg.Answer = append(msg.Answer, rr)
			}
		}
		require.NoError(t, w.WriteMsg(&msg))
	})
	p, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &dns.Server{PacketConn: p, Handler: mux}
	go func() {
		require.NoError(t, server.ActivateAndServe())
	}()
	t.Cleanup(func() {
		_ = server.ShutdownContext(context.Background())
	})

	addr = p.LocalAddr().String()

	// Wait for the server to answer before handing it to the test.
	probe := ""
	for name := range zones {
		probe = name
		break
	}
	require.Eventually(t, func() bool {
		client := dns.Client{Net: "udp"}
		msg := new(dns.Msg)
		msg.SetQuestion(probe, dns.TypeA)
		response, _, err := client.ExchangeContext(context.Background(), msg, addr)
		return err == nil && response.Rcode == dns.RcodeSuccess
	}, 5*time.Second, 100*time.Millisecond)
	return
}

// RequireNewResolver returns a net.Resolver that sends every query to the
// test DNS server at addr.
func RequireNewResolver(t *testing.T, addr string) *net.Resolver {
	t.Helper()
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "udp", addr)
		},
	}
}
