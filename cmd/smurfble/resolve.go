package main

import (
	"fmt"
	"strings"

	"github.com/scchn/smurfble/internal/bledb"
	"github.com/scchn/smurfble/peripheral"
)

// resolveCharacteristic resolves the positional characteristic UUID,
// optionally scoped by --service.
//
// Resolution cases:
//  1. Explicit service: direct lookup in that service
//  2. No service: search all services; the UUID must be unambiguous
func resolveCharacteristic(p *peripheral.Peripheral, charUUID, serviceUUID string) (*peripheral.Characteristic, error) {
	// Case 1: Explicit service provided
	if serviceUUID != "" {
		ch, ok := p.Characteristic(serviceUUID, charUUID)
		if !ok {
			return nil, fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
		}
		return ch, nil
	}

	// Case 2: Auto-resolve by searching all services
	want := bledb.NormalizeUUID(charUUID)
	var found []*peripheral.Characteristic
	for _, svc := range p.Services() {
		for _, ch := range svc.Characteristics {
			if ch.UUID == want {
				found = append(found, ch)
			}
		}
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", charUUID)
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("characteristic %s found in multiple services, specify --service", charUUID)
	}
	return found[0], nil
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice.
// Handles whitespace and filters empty elements.
//
// Examples:
//
//	"2a37" -> []string{"2a37"}
//	"2a37, 2a38, 2a19" -> []string{"2a37", "2a38", "2a19"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}

// resolveCharacteristics resolves a CSV of characteristic UUIDs, or every
// characteristic of a service when the CSV is empty.
//
// Resolution cases:
//  1. CSV + service: resolve each UUID inside that service
//  2. CSV only: auto-resolve each UUID across all services
//  3. Service only: ALL characteristics of that service
//  4. Neither: error
//
// Returns the resolved characteristics in resolution order.
func resolveCharacteristics(p *peripheral.Peripheral, charUUIDsCSV, serviceUUID string) ([]*peripheral.Characteristic, error) {
	charUUIDs := parseCSVUUIDs(charUUIDsCSV)

	// Case 3: All characteristics in a specific service
	if len(charUUIDs) == 0 && serviceUUID != "" {
		svc, ok := p.Service(serviceUUID)
		if !ok {
			return nil, fmt.Errorf("service %s not found", serviceUUID)
		}
		if len(svc.Characteristics) == 0 {
			return nil, fmt.Errorf("no characteristics found in service %s", serviceUUID)
		}
		return append([]*peripheral.Characteristic(nil), svc.Characteristics...), nil
	}

	// Case 4: No targets specified
	if len(charUUIDs) == 0 {
		return nil, fmt.Errorf("no UUIDs provided")
	}

	// Cases 1 and 2: resolve each UUID, scoped or not
	chars := make([]*peripheral.Characteristic, 0, len(charUUIDs))
	seen := make(map[string]bool)
	for _, u := range charUUIDs {
		ch, err := resolveCharacteristic(p, u, serviceUUID)
		if err != nil {
			return nil, err
		}
		if seen[ch.UUID] {
			continue
		}
		seen[ch.UUID] = true
		chars = append(chars, ch)
	}
	return chars, nil
}

// displayUUID renders a UUID with its assigned name when the registry
// knows it.
func displayUUID(uuid string) string {
	if name := bledb.Lookup(uuid); name != "" {
		return fmt.Sprintf("%s (%s)", bledb.NormalizeUUID(uuid), name)
	}
	return bledb.NormalizeUUID(uuid)
}
