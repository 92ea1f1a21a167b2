package safety

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// SSRFCategory is the closed set of rejection reasons, reported in
// SSRFResult.BlockedCategory. Nothing in this module writes SSRF
// rejections to the audit trail.
type SSRFCategory string

const (
	SSRFCategoryScheme      SSRFCategory = "scheme"
	SSRFCategoryMetadata    SSRFCategory = "metadata"
	SSRFCategoryPrivateIP   SSRFCategory = "private_ip"
	SSRFCategoryLoopback    SSRFCategory = "loopback"
	SSRFCategoryLinkLocal   SSRFCategory = "link_local"
	SSRFCategoryMulticast   SSRFCategory = "multicast"
	SSRFCategoryReserved    SSRFCategory = "reserved"
	SSRFCategoryRebinding   SSRFCategory = "dns_rebinding"
	SSRFCategoryNotAllowed  SSRFCategory = "not_in_allowlist"
	SSRFCategoryMalformed   SSRFCategory = "malformed_url"
)

// SSRFResult mirrors the safety Result shape but for one URL check.
type SSRFResult struct {
	Allowed         bool
	BlockedCategory SSRFCategory
	Reason          string
}

// metadataHosts are the well-known cloud instance-metadata endpoints.
var metadataHosts = map[string]struct{}{
	"169.254.169.254": {},
	"fd00:ec2::254":   {},
	"metadata.google.internal": {},
}

// carrierNAT is the shared address space of RFC 6598.
var carrierNAT = netip.MustParsePrefix("100.64.0.0/10")

// rebindingSuffixes are known wildcard-DNS services historically used for
// DNS-rebinding attacks (e.g. "1.2.3.4.nip.io" resolves to 1.2.3.4).
var rebindingSuffixes = []string{
	".nip.io", ".xip.io", ".sslip.io", ".nip.xyz",
}

// SSRFValidator enforces the outbound-URL policy.
type SSRFValidator struct {
	allowlist map[string]struct{}
}

// NewSSRFValidator builds a validator with a domain allow-list; an empty
// allowlist means no domain is reachable (fail closed).
func NewSSRFValidator(allowedDomains []string) *SSRFValidator {
	v := &SSRFValidator{allowlist: make(map[string]struct{}, len(allowedDomains))}
	for _, d := range allowedDomains {
		v.allowlist[strings.ToLower(d)] = struct{}{}
	}
	return v
}

// Validate checks rawURL against every rule in the SSRF policy. It is
// case-insensitive and resolves embedded IP literals including hex/octal
// encodings before classifying them.
func (v *SSRFValidator) Validate(rawURL string) SSRFResult {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SSRFResult{BlockedCategory: SSRFCategoryMalformed, Reason: fmt.Sprintf("unparseable URL: %v", err)}
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return SSRFResult{BlockedCategory: SSRFCategoryScheme, Reason: "only https is permitted"}
	}

	if u.User != nil {
		return SSRFResult{BlockedCategory: SSRFCategoryMalformed, Reason: "credentials in URL authority"}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return SSRFResult{BlockedCategory: SSRFCategoryMalformed, Reason: "empty host"}
	}

	if _, blocked := metadataHosts[host]; blocked {
		return SSRFResult{BlockedCategory: SSRFCategoryMetadata, Reason: "cloud metadata endpoint"}
	}

	for _, suffix := range rebindingSuffixes {
		if strings.HasSuffix(host, suffix) {
			return SSRFResult{BlockedCategory: SSRFCategoryRebinding, Reason: "known wildcard-DNS rebinding service: " + suffix}
		}
	}

	if ip, ok := parseIPLiteral(host); ok {
		if cat, reason, bad := classifyIP(ip); bad {
			return SSRFResult{BlockedCategory: cat, Reason: reason}
		}
	}

	if _, ok := v.allowlist[host]; !ok {
		return SSRFResult{BlockedCategory: SSRFCategoryNotAllowed, Reason: "host not in domain allow-list: " + host}
	}

	return SSRFResult{Allowed: true}
}

// parseIPLiteral handles dotted-decimal, hex (0x..), octal (leading 0),
// and bracketed IPv6 literals — the embedded-IP encodings SSRF filters
// must defeat.
func parseIPLiteral(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}

	// Dotted form with hex/octal octets, e.g. "0x7f.0.0.1" or "0177.0.0.1".
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		var b [4]byte
		for i, p := range parts {
			n, ok := parseOctet(p)
			if !ok {
				return netip.Addr{}, false
			}
			b[i] = byte(n)
		}
		return netip.AddrFrom4(b), true
	}

	// Single decimal/hex/octal integer form, e.g. "2130706433" == 127.0.0.1.
	if n, err := strconv.ParseUint(host, 0, 32); err == nil {
		var b [4]byte
		b[0] = byte(n >> 24)
		b[1] = byte(n >> 16)
		b[2] = byte(n >> 8)
		b[3] = byte(n)
		return netip.AddrFrom4(b), true
	}

	return netip.Addr{}, false
}

func parseOctet(s string) (uint64, bool) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, false
	}
	return n, true
}

func classifyIP(ip netip.Addr) (SSRFCategory, string, bool) {
	switch {
	case ip.IsLoopback():
		return SSRFCategoryLoopback, "loopback address", true
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return SSRFCategoryLinkLocal, "link-local address", true
	case ip.IsMulticast():
		return SSRFCategoryMulticast, "multicast address", true
	case ip.IsPrivate():
		return SSRFCategoryPrivateIP, "RFC1918 private address", true
	case carrierNAT.Contains(ip):
		return SSRFCategoryPrivateIP, "carrier-grade NAT address (RFC6598)", true
	case ip.IsUnspecified():
		return SSRFCategoryReserved, "unspecified address", true
	}

	stdIP := net.IP(ip.AsSlice())
	if stdIP.IsPrivate() {
		return SSRFCategoryPrivateIP, "private address", true
	}

	return "", "", false
}

// ExtractCredentials reports whether the URL's authority component
// embeds userinfo (user:pass@host), which the policy also rejects as an
// SSRF-adjacent credential-exfiltration vector.
func ExtractCredentials(rawURL string) (present bool, user string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return false, ""
	}
	return true, u.User.Username()
}

// DecodeHexOctet decodes a two-character hex-encoded byte, such as the
// two characters after '%' in a percent-encoded authority component,
// e.g. "7f" -> 0x7f. Any other length, "%7f" included, returns false.
func DecodeHexOctet(s string) (byte, bool) {
	if len(s) != 2 {
		return 0, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 1 {
		return 0, false
	}
	return b[0], true
}
