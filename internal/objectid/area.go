package objectid

import "fmt"

// Area locates a device within a network: country/carrier/city codes plus a
// device-type discriminant. It packs into a single 8-byte big-endian field
// of an object ID.
type Area struct {
	Country    uint16
	Carrier    uint8
	City       uint16
	DeviceType uint8
}

// pack encodes the area into the low 48 bits of a uint64: country in bits
// 47-32, carrier in bits 31-24, city in bits 23-8, device type in bits 7-0.
// The top 16 bits are always zero.
func (a Area) pack() uint64 {
	return uint64(a.Country)<<32 | uint64(a.Carrier)<<24 | uint64(a.City)<<8 | uint64(a.DeviceType)
}

func unpackArea(v uint64) Area {
	return Area{
		Country:    uint16(v >> 32),
		Carrier:    uint8(v >> 24),
		City:       uint16(v >> 8),
		DeviceType: uint8(v),
	}
}

func (a Area) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", a.Country, a.Carrier, a.City, a.DeviceType)
}

// Pack exposes the area's packed 8-byte big-endian wire form for callers
// outside this package that need to carry an Area without embedding it
// in an ID (e.g. a descriptor record).
func (a Area) Pack() uint64 { return a.pack() }

// UnpackArea reconstructs an Area from the packed form Pack produces.
func UnpackArea(v uint64) Area { return unpackArea(v) }
