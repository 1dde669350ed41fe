// Package bledb provides UUID normalization and a name lookup table for
// well-known Bluetooth SIG services, characteristics, and descriptors, plus
// a handful of widely deployed vendor profiles. Lookups accept any common
// UUID spelling (16-bit short form, 0x-prefixed, full 128-bit with or
// without dashes or braces).
package bledb

import "strings"

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb once dashes are stripped.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID canonicalizes a UUID string: lowercase, no braces, no 0x
// prefix, no dashes, and SIG-base 128-bit UUIDs reduced to their 16-bit
// short form. Non-UUID input is returned in the stripped form unchanged.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes every element of uuids, preserving order.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// ExpandUUID returns the full dashed 128-bit form of a normalized UUID.
// 16-bit short forms are expanded onto the SIG base; anything that is not
// 4 or 32 hex characters is returned as given.
func ExpandUUID(uuid string) string {
	s := NormalizeUUID(uuid)
	switch len(s) {
	case 4:
		return "0000" + s + "-0000-1000-8000-00805f9b34fb"
	case 32:
		return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
	default:
		return s
	}
}

// LookupService returns the well-known name for a service UUID, or "".
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the well-known name for a characteristic
// UUID, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the well-known name for a descriptor UUID, or "".
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// Lookup resolves a UUID against every table, service names first, or "".
func Lookup(uuid string) string {
	n := NormalizeUUID(uuid)
	if name := services[n]; name != "" {
		return name
	}
	if name := characteristics[n]; name != "" {
		return name
	}
	return descriptors[n]
}

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time Service",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1811": "Alert Notification Service",
	"1812": "Human Interface Device",
	"1813": "Scan Parameters",
	"1814": "Running Speed and Cadence",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"1826": "Fitness Machine",
	"183e": "Physical Activity Monitor",
	"fe59": "Secure DFU Service",

	// Common vendor profiles carried for display purposes.
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
	"0000fe590000100080000805f9b34fb0": "Nordic Buttonless DFU",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a49": "Blood Pressure Feature",
	"2a4a": "HID Information",
	"2a4d": "Report",
	"2a63": "Cycling Power Measurement",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2aa6": "Central Address Resolution",

	"6e400002b5a3f393e0a9e50e24dcca9e": "UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART TX",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
}
