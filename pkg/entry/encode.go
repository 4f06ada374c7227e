package entry

import (
	"fmt"
	"math/big"
	"net"
	"strings"
)

// EncodeValue converts a rule value into the canonical P4Runtime binary
// string for a field of the given bit width: big-endian, no leading zero
// bytes, zero encoded as a single 0x00 byte.
//
// Accepted forms are MAC addresses, IPv4 and IPv6 addresses, and unsigned
// integers in decimal or 0x-prefixed hex.
func EncodeValue(s string, bitwidth int32) ([]byte, error) {
	v, err := parseValue(s)
	if err != nil {
		return nil, err
	}
	if bitwidth > 0 && v.BitLen() > int(bitwidth) {
		return nil, fmt.Errorf("value %q does not fit in %d bits", s, bitwidth)
	}
	return canonical(v), nil
}

func parseValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}
	if strings.Count(s, ":") == 5 {
		if mac, err := net.ParseMAC(s); err == nil && len(mac) == 6 {
			return new(big.Int).SetBytes(mac), nil
		}
	}
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil && !strings.Contains(s, ":") {
			return new(big.Int).SetBytes(v4), nil
		}
		return new(big.Int).SetBytes(ip.To16()), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("cannot encode %q: not a MAC, IP address or unsigned integer", s)
	}
	return v, nil
}

func canonical(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}

// prefixMask returns a mask with the top prefixLen bits of a bitwidth-wide
// field set.
func prefixMask(prefixLen, bitwidth int32) *big.Int {
	ones := new(big.Int).Lsh(big.NewInt(1), uint(prefixLen))
	ones.Sub(ones, big.NewInt(1))
	return ones.Lsh(ones, uint(bitwidth-prefixLen))
}

// FormatValue renders a binary field value for humans: 32-bit fields as
// IPv4, 48-bit fields as MAC, 128-bit fields as IPv6, anything else as a
// decimal integer.
func FormatValue(b []byte, bitwidth int32) string {
	v := new(big.Int).SetBytes(b)
	if v.BitLen() > int(bitwidth) {
		return v.String()
	}
	switch bitwidth {
	case 32:
		return net.IP(v.FillBytes(make([]byte, 4))).String()
	case 48:
		return net.HardwareAddr(v.FillBytes(make([]byte, 6))).String()
	case 128:
		return net.IP(v.FillBytes(make([]byte, 16))).String()
	}
	return v.String()
}
