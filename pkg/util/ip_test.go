package util

import "testing"

func TestParseIPv4(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"10.0.0.5", "10.0.0.5", true},
		{" 10.0.0.5 ", "10.0.0.5", true},
		{"10.0.0.0/24", "10.0.0.0", true},
		{"10.0.0.7/24", "10.0.0.0", true},
		{"::1", "", false},
		{"router.local", "", false},
		{"", "", false},
		{"300.1.1.1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseIPv4(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseIPv4(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFormatCIDR(t *testing.T) {
	tests := []struct {
		ip   string
		mask int
		want string
	}{
		{"1.2.3.4", 32, "1.2.3.4/32"},
		{"1.2.3.0", 24, "1.2.3.0/24"},
		{"1.2.3.4", 0, ""},
		{"1.2.3.4", 33, ""},
		{"bogus", 24, ""},
	}
	for _, tt := range tests {
		if got := FormatCIDR(tt.ip, tt.mask); got != tt.want {
			t.Errorf("FormatCIDR(%q, %d) = %q, want %q", tt.ip, tt.mask, got, tt.want)
		}
	}
}

func TestSplitCIDR(t *testing.T) {
	ip, mask, err := SplitCIDR("192.168.1.0/24")
	if err != nil || ip != "192.168.1.0" || mask != 24 {
		t.Errorf("SplitCIDR = %q, %d, %v", ip, mask, err)
	}

	ip, mask, err = SplitCIDR("192.168.1.9")
	if err != nil || ip != "192.168.1.9" || mask != 32 {
		t.Errorf("bare address: %q, %d, %v", ip, mask, err)
	}

	if _, _, err := SplitCIDR("192.168.1.0/40"); err == nil {
		t.Error("expected error for /40")
	}
	if _, _, err := SplitCIDR("nope/24"); err == nil {
		t.Error("expected error for bad address")
	}
}
