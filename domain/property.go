package domain

// PropFlag is a bitset of per-property metadata bits.
type PropFlag uint32

const (
	// PropFlagDynamic marks a property allocated by the overlay/txn
	// machinery rather than present in a static compile-time tree.
	PropFlagDynamic PropFlag = 1 << iota
)

// Property is a single name/value pair attached to a Node.
//
// Value is an opaque byte slice, matching the wire-agnostic value model
// of spec.md §3; the only values the core interprets are those of
// "compatible" and "status", in ComputeDeviceState. UniqueID is a monotonically increasing counter
// assigned at creation time, used only so tests and logs can tell two
// properties with the same name apart across a remove/re-add cycle.
type Property struct {
	Name     string
	Value    []byte
	UniqueID uint64

	flags uint32
}

func NewProperty(name string, value []byte, id uint64) *Property {
	return &Property{Name: name, Value: value, UniqueID: id}
}

func (p *Property) HasFlag(f PropFlag) bool { return p.flags&uint32(f) != 0 }
func (p *Property) SetFlag(f PropFlag)      { p.flags |= uint32(f) }
func (p *Property) ClearFlag(f PropFlag)    { p.flags &^= uint32(f) }
func (p *Property) Dynamic() bool           { return p.HasFlag(PropFlagDynamic) }

// Clone returns a shallow value copy of the property with a fresh
// unique id; the Value slice itself is shared (the core never mutates
// it in place).
func (p *Property) Clone(newID uint64) *Property {
	return &Property{Name: p.Name, Value: p.Value, UniqueID: newID, flags: p.flags}
}
