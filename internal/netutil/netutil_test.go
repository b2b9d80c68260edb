package netutil

import (
	"net"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"Example.COM", "example.com"},
		{"example.com:8443", "example.com"},
		{"example.com.", "example.com"},
		{"[::1]:443", "::1"},
		{"  gw.iot.local  ", "gw.iot.local"},
	}
	for _, c := range cases {
		if got := NormalizeHost(c.in); got != c.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestListenPort(t *testing.T) {
	if got := ListenPort(&net.TCPAddr{IP: net.IPv4zero, Port: 8443}); got != 8443 {
		t.Fatalf("tcp port = %d", got)
	}
	if got := ListenPort(&net.UDPAddr{IP: net.IPv4zero, Port: 8444}); got != 8444 {
		t.Fatalf("udp port = %d", got)
	}
}
