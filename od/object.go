package od

// Code is an Object's CiA/ETG object code.
type Code uint8

const (
	CodeNil Code = iota
	CodeDomain
	CodeDefType
	CodeDefStruct
	CodeVar
	CodeArray
	CodeRecord
)

// Object is one index of the dictionary: a name, a code, and an ordered
// sequence of Entries (subindexes).
type Object struct {
	Index   uint16
	Code    Code
	Name    string
	entries []*Entry
}

// NewObject constructs an empty Object.
func NewObject(index uint16, code Code, name string) *Object {
	return &Object{Index: index, Code: code, Name: name}
}

// AddEntry appends e; entries are not sorted by Subindex, and subindex
// uniqueness is not enforced.
func (o *Object) AddEntry(e *Entry) { o.entries = append(o.entries, e) }

// Entry returns the entry at subindex, or nil if absent.
func (o *Object) Entry(subindex uint8) *Entry {
	for _, e := range o.entries {
		if e.Subindex == subindex {
			return e
		}
	}
	return nil
}

// Entries returns every entry, in append order.
func (o *Object) Entries() []*Entry { return o.entries }

// NumberOfEntries returns the number of subindexes beyond subindex 0
// (the Identity-object convention: subindex 0 holds the count), used by
// complete-access walks.
func (o *Object) NumberOfEntries() int {
	n := 0
	for _, e := range o.entries {
		if e.Subindex != 0 {
			n++
		}
	}
	return n
}

// Dictionary is the ordered sequence of Objects that makes up a slave's
// CoE object dictionary.
type Dictionary struct {
	objects map[uint16]*Object
	order   []uint16
}

// NewDictionary constructs an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{objects: make(map[uint16]*Object)}
}

// Add inserts obj, keyed by its Index. Re-adding the same index replaces
// it in place without disturbing iteration order.
func (d *Dictionary) Add(obj *Object) {
	if _, exists := d.objects[obj.Index]; !exists {
		d.order = append(d.order, obj.Index)
	}
	d.objects[obj.Index] = obj
}

// Object looks up an Object by index.
func (d *Dictionary) Object(index uint16) *Object { return d.objects[index] }

// Objects returns every Object in insertion order.
func (d *Dictionary) Objects() []*Object {
	out := make([]*Object, 0, len(d.order))
	for _, idx := range d.order {
		out = append(out, d.objects[idx])
	}
	return out
}
