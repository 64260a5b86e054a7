package safety

import (
	"net"
	"testing"
)

type fakeResolver struct {
	ips []net.IP
	err error
}

func (f fakeResolver) LookupIPAddr(host string) ([]net.IP, error) {
	return f.ips, f.err
}

var publicIP = net.ParseIP("93.184.216.34")

func TestBlockedIPv4Literals(t *testing.T) {
	t.Parallel()
	blocked := []string{
		"127.0.0.1", "127.255.255.255",
		"10.0.0.1", "10.255.255.255",
		"172.16.0.1", "172.31.255.255",
		"192.168.0.1", "192.168.255.255",
		"169.254.169.254", "169.254.0.1",
		"0.0.0.0", "0.1.2.3",
		"100.64.0.1", "100.127.255.255",
		"192.0.0.1",
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
		"224.0.0.1", "239.255.255.255",
		"240.0.0.1",
		"255.255.255.255",
	}
	for _, s := range blocked {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Fatalf("bad test literal %q", s)
		}
		if !isBlockedIP(ip) {
			t.Errorf("isBlockedIP(%s) = false, want true", s)
		}
	}
}

func TestBlockedIPv6Literals(t *testing.T) {
	t.Parallel()
	blocked := []string{
		"::1", "::",
		"fe80::1", "febf::1",
		"fc00::1", "fdff::1", "fd00::1",
		"ff02::1",
		"2001:db8::1",
		"100::1",
		"64:ff9b::a.b.c.d",
		"64:ff9b::1",
	}
	for _, s := range blocked {
		ip := net.ParseIP(s)
		if ip == nil {
			continue // skip unparseable helper entries
		}
		if !isBlockedIP(ip) {
			t.Errorf("isBlockedIP(%s) = false, want true", s)
		}
	}
}

func TestIPv4MappedFormsBlocked(t *testing.T) {
	t.Parallel()
	mapped := []string{
		"::ffff:127.0.0.1",
		"::ffff:10.0.0.1",
		"::ffff:169.254.169.254",
		"::ffff:192.168.1.1",
		"::ffff:172.16.0.1",
	}
	for _, s := range mapped {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Fatalf("bad test literal %q", s)
		}
		if !isBlockedIP(ip) {
			t.Errorf("isBlockedIP(%s) = false, want true", s)
		}
	}
}

func TestPublicAddressesNotBlocked(t *testing.T) {
	t.Parallel()
	public := []string{"93.184.216.34", "8.8.8.8", "1.1.1.1", "2606:4700::1111"}
	for _, s := range public {
		if isBlockedIP(net.ParseIP(s)) {
			t.Errorf("isBlockedIP(%s) = true, want false", s)
		}
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()
	resolver := fakeResolver{ips: []net.IP{publicIP}}

	tests := []struct {
		name    string
		url     string
		opt     Options
		wantErr bool
	}{
		{name: "plain https", url: "https://example.com/hook", opt: Options{Resolver: resolver}},
		{name: "plain http", url: "http://example.com/hook", opt: Options{Resolver: resolver}},
		{name: "ftp scheme", url: "ftp://example.com/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "http in production", url: "http://example.com/", opt: Options{RequireHTTPS: true, Resolver: resolver}, wantErr: true},
		{name: "localhost", url: "http://localhost/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "dot local", url: "http://printer.local/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "metadata dns", url: "http://metadata.google.internal/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "cluster dns", url: "http://db.svc.cluster.local/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "metadata ip literal", url: "http://169.254.169.254/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "loopback literal", url: "http://127.0.0.1:8080/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "bracketed v6 loopback", url: "http://[::1]/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "bracketed v6 ula", url: "http://[fd00::1]/", opt: Options{Resolver: resolver}, wantErr: true},
		{name: "allowlist match", url: "https://hooks.example.com/x", opt: Options{AllowedDomains: []string{"example.com"}, Resolver: resolver}},
		{name: "allowlist miss", url: "https://evil.org/x", opt: Options{AllowedDomains: []string{"example.com"}, Resolver: resolver}, wantErr: true},
		{name: "resolves to private", url: "https://internal.example.com/", opt: Options{Resolver: fakeResolver{ips: []net.IP{net.ParseIP("10.0.0.5")}}}, wantErr: true},
		{name: "dns failure", url: "https://nxdomain.example.com/", opt: Options{Resolver: fakeResolver{err: &net.DNSError{Err: "no such host"}}}, wantErr: true},
		{name: "dns empty", url: "https://empty.example.com/", opt: Options{Resolver: fakeResolver{}}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ValidateURL(tt.url, tt.opt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURLReturnsPinIP(t *testing.T) {
	t.Parallel()
	_, ip, err := ValidateURL("https://example.com/", Options{Resolver: fakeResolver{ips: []net.IP{publicIP}}})
	if err != nil {
		t.Fatalf("ValidateURL error: %v", err)
	}
	if !ip.Equal(publicIP) {
		t.Fatalf("pin ip = %v, want %v", ip, publicIP)
	}
}
