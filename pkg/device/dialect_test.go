package device

import "testing"

func TestDialect_Command(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		opts    ReadOptions
		want    string
	}{
		{"cisco v4", CiscoDialect, ReadOptions{}, "show flowspec vrf all ipv4 detail"},
		{"cisco v6", CiscoDialect, ReadOptions{IPType: IPv6}, "show flowspec vrf all ipv6 detail"},
		{"arista v4", AristaDialect, ReadOptions{IPType: IPv4}, "sh flow-spec ipv4"},
		{"arista v6", AristaDialect, ReadOptions{IPType: IPv6}, "sh flow-spec ipv6"},
		{"huawei v4", HuaweiDialect, ReadOptions{}, "show flowspec vrf all ipv4 detail"},
		{"juniper default", JuniperDialect, ReadOptions{}, "show firewall filter detail __flowspec_default_inet__"},
		{"juniper v6", JuniperDialect, ReadOptions{IPType: IPv6}, "show firewall filter detail __flowspec_default_inet6__"},
		{"juniper interface", JuniperDialect, ReadOptions{Interface: "ge-0/0/1"}, "show firewall filter detail __flowspec_ge-0/0/1_inet__"},
		{"override", Dialect{ReadCommand: "a ipv4", IPv6Command: "b"}, ReadOptions{IPType: IPv6}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Command(tt.opts); got != tt.want {
				t.Errorf("Command() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialect_Clean(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"crlf stripped", CiscoDialect, "Flow :Dest:10.0.0.0/24\r\n", "Flow :Dest:10.0.0.0/24"},
		{"no pagination keeps escapes", CiscoDialect, "\x1b[7mx", "\x1b[7mx"},
		{"more prompt", AristaDialect, " --More-- Flow 1", "Flow 1"},
		{"ansi", AristaDialect, "\x1b[K\x1b[7mMatched: 10\x1b[m", "Matched: 10"},
		{"redraw", AristaDialect, "  ---- More ----\r        \rActions: drop", "Actions: drop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseIPType(t *testing.T) {
	for in, want := range map[string]IPType{"": IPv4, "IPv4": IPv4, "ipv6": IPv6, "6": IPv6} {
		got, err := ParseIPType(in)
		if err != nil || got != want {
			t.Errorf("ParseIPType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseIPType("ipx"); err == nil {
		t.Error("ParseIPType(ipx) succeeded")
	}
}
