package device

import (
	"regexp"
	"strings"
)

// Dialect is the per-vendor data that parameterizes CLIDriver.
type Dialect struct {
	Vendor Vendor
	// ReadCommand is the IPv4 read. "{interface}" and "{inet}" are
	// substituted when present.
	ReadCommand string
	// IPv6Command overrides the default ipv4 to ipv6 rewrite of ReadCommand.
	IPv6Command string
	// Interactive drivers run commands in a PTY shell instead of exec.
	Interactive bool
	// Prompt matches the shell prompt in interactive mode.
	Prompt *regexp.Regexp
	// Pagination strips "--More--" markers and ANSI escapes from output.
	Pagination bool
}

var (
	CiscoDialect = Dialect{
		Vendor:      VendorCisco,
		ReadCommand: "show flowspec vrf all ipv4 detail",
	}
	JuniperDialect = Dialect{
		Vendor:      VendorJuniper,
		ReadCommand: "show firewall filter detail __flowspec_{interface}_{inet}__",
	}
	AristaDialect = Dialect{
		Vendor:      VendorArista,
		ReadCommand: "sh flow-spec ipv4",
		Pagination:  true,
	}
	HuaweiDialect = Dialect{
		Vendor:      VendorHuawei,
		ReadCommand: "show flowspec vrf all ipv4 detail",
	}
	HuaweiVRPDialect = Dialect{
		Vendor:      VendorHuaweiVRP,
		Interactive: true,
		Prompt:      regexp.MustCompile(`<[^<>\s]+>\s*$`),
		Pagination:  true,
	}
)

// DefaultInterface is the Juniper flowspec filter used when none is given.
const DefaultInterface = "default"

// Command renders the read command for opts.
func (d Dialect) Command(opts ReadOptions) string {
	cmd := d.ReadCommand
	if opts.IPType == IPv6 {
		if d.IPv6Command != "" {
			cmd = d.IPv6Command
		} else {
			cmd = strings.ReplaceAll(cmd, "ipv4", "ipv6")
		}
	}
	iface := opts.Interface
	if iface == "" {
		iface = DefaultInterface
	}
	inet := "inet"
	if opts.IPType == IPv6 {
		inet = "inet6"
	}
	return strings.NewReplacer("{interface}", iface, "{inet}", inet).Replace(cmd)
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	morePrompt = regexp.MustCompile(`\s*-+\s*[Mm]ore\s*-+\s*`)
)

// Clean applies the dialect's output quirks to one line.
func (d Dialect) Clean(line string) string {
	line = strings.TrimRight(line, "\r\n")
	if !d.Pagination {
		return line
	}
	line = ansiEscape.ReplaceAllString(line, "")
	line = morePrompt.ReplaceAllString(line, "")
	// Pager redraws end with a carriage return; keep what follows the last.
	if i := strings.LastIndex(line, "\r"); i >= 0 {
		line = line[i+1:]
	}
	return line
}
