package main

const (
	exampleDeviceAddress = "E7:A3:4C:88:10:2F"
	deviceAddressNote    = "Device address format: MAC address (AA:BB:CC:DD:EE:FF) on Linux, 128-bit UUID on macOS\n  Case and separators are ignored when matching\n  Use 'smurfble scan' to discover devices"
)
