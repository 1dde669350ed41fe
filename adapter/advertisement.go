package adapter

// Advertisement is a snapshot of one advertising report. Fields the report
// did not carry are left at their zero values.
type Advertisement struct {
	// LocalName is the advertised device name, if present.
	LocalName string

	// ServiceUUIDs lists advertised service UUIDs in normalized form.
	ServiceUUIDs []string

	// ManufacturerData is the raw manufacturer-specific payload.
	ManufacturerData []byte

	// ServiceData maps normalized service UUIDs to their advertised data.
	ServiceData map[string][]byte

	// TxPowerLevel is the advertised transmit power in dBm; nil when the
	// report did not include one.
	TxPowerLevel *int

	// Connectable reports whether the advertisement was connectable.
	Connectable bool
}

// Merge folds a newer advertisement into a, keeping the latest non-empty
// value per field and unioning service UUIDs. Split advertising/scan-response
// reports arrive as separate snapshots, so absent fields never erase
// previously seen ones.
func (a *Advertisement) Merge(newer Advertisement) {
	if newer.LocalName != "" {
		a.LocalName = newer.LocalName
	}
	if len(newer.ManufacturerData) > 0 {
		a.ManufacturerData = newer.ManufacturerData
	}
	if newer.TxPowerLevel != nil {
		a.TxPowerLevel = newer.TxPowerLevel
	}
	a.Connectable = a.Connectable || newer.Connectable

	for _, u := range newer.ServiceUUIDs {
		if !a.HasService(u) {
			a.ServiceUUIDs = append(a.ServiceUUIDs, u)
		}
	}
	if len(newer.ServiceData) > 0 {
		if a.ServiceData == nil {
			a.ServiceData = make(map[string][]byte, len(newer.ServiceData))
		}
		for u, d := range newer.ServiceData {
			a.ServiceData[u] = d
		}
	}
}

// HasService reports whether the advertisement names the given normalized
// service UUID.
func (a *Advertisement) HasService(uuid string) bool {
	for _, u := range a.ServiceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}
