package adapter

import "strings"

// Properties is the GATT characteristic capability bitmask. Values match
// the platform characteristic property flags.
type Properties uint8

const (
	PropertyBroadcast            Properties = 0x01
	PropertyRead                 Properties = 0x02
	PropertyWriteWithoutResponse Properties = 0x04
	PropertyWrite                Properties = 0x08
	PropertyNotify               Properties = 0x10
	PropertyIndicate             Properties = 0x20
)

// Supports reports whether all bits of p2 are present in p.
func (p Properties) Supports(p2 Properties) bool {
	return p&p2 == p2
}

// SupportsWrite reports whether the characteristic accepts writes in the
// given mode.
func (p Properties) SupportsWrite(mode WriteMode) bool {
	if mode == WriteWithoutResponse {
		return p.Supports(PropertyWriteWithoutResponse)
	}
	return p.Supports(PropertyWrite)
}

// String returns a compact flag list such as "read|write|notify".
func (p Properties) String() string {
	var names []string
	for _, f := range []struct {
		bit  Properties
		name string
	}{
		{PropertyBroadcast, "broadcast"},
		{PropertyRead, "read"},
		{PropertyWriteWithoutResponse, "write_no_rsp"},
		{PropertyWrite, "write"},
		{PropertyNotify, "notify"},
		{PropertyIndicate, "indicate"},
	} {
		if p.Supports(f.bit) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
