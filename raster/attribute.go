package raster

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mrjoshuak/go-pyramid/internal/xdr"
)

// Attribute errors
var (
	ErrUnknownAttributeType = errors.New("raster: unknown attribute type")
	ErrInvalidAttribute     = errors.New("raster: invalid attribute value")
)

// AttributeType identifies the type of an attribute value.
type AttributeType string

const (
	AttrTypeInt          AttributeType = "int"
	AttrTypeDouble       AttributeType = "double"
	AttrTypeString       AttributeType = "string"
	AttrTypeDoubleVector AttributeType = "doublevector"
)

// Attribute is a named, typed metadata value on a group or dataset.
//
// Value holds int64, float64, string or []float64 for the four types.
type Attribute struct {
	Name  string
	Type  AttributeType
	Value any
}

// IntAttribute returns an int attribute.
func IntAttribute(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttrTypeInt, Value: v}
}

// DoubleAttribute returns a double attribute.
func DoubleAttribute(name string, v float64) *Attribute {
	return &Attribute{Name: name, Type: AttrTypeDouble, Value: v}
}

// StringAttribute returns a string attribute.
func StringAttribute(name, v string) *Attribute {
	return &Attribute{Name: name, Type: AttrTypeString, Value: v}
}

// DoubleVectorAttribute returns a double vector attribute.
func DoubleVectorAttribute(name string, v []float64) *Attribute {
	return &Attribute{Name: name, Type: AttrTypeDoubleVector, Value: append([]float64(nil), v...)}
}

// NumberAttribute returns an int attribute for integer dtypes and a double
// attribute otherwise.
func NumberAttribute(name string, v float64, dt DType) *Attribute {
	if dt.IsInteger() {
		return IntAttribute(name, int64(v))
	}
	return DoubleAttribute(name, v)
}

// AttributeTable is an ordered set of attributes keyed by name.
type AttributeTable struct {
	attrs map[string]*Attribute
}

// NewAttributeTable returns an empty table.
func NewAttributeTable() *AttributeTable {
	return &AttributeTable{attrs: make(map[string]*Attribute)}
}

// Len returns the number of attributes.
func (t *AttributeTable) Len() int {
	return len(t.attrs)
}

// Names returns the attribute names in sorted order.
func (t *AttributeTable) Names() []string {
	names := make([]string, 0, len(t.attrs))
	for name := range t.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named attribute or nil.
func (t *AttributeTable) Get(name string) *Attribute {
	return t.attrs[name]
}

// Has reports whether the named attribute is present.
func (t *AttributeTable) Has(name string) bool {
	_, ok := t.attrs[name]
	return ok
}

// Set adds or replaces an attribute.
func (t *AttributeTable) Set(attr *Attribute) {
	t.attrs[attr.Name] = attr
}

// Delete removes the named attribute if present.
func (t *AttributeTable) Delete(name string) {
	delete(t.attrs, name)
}

// Int returns an int attribute value. Double values are truncated.
func (t *AttributeTable) Int(name string) (int64, bool) {
	a := t.attrs[name]
	if a == nil {
		return 0, false
	}
	switch v := a.Value.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Float returns a numeric attribute value as float64.
func (t *AttributeTable) Float(name string) (float64, bool) {
	a := t.attrs[name]
	if a == nil {
		return 0, false
	}
	switch v := a.Value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// String returns a string attribute value.
func (t *AttributeTable) String(name string) (string, bool) {
	a := t.attrs[name]
	if a == nil {
		return "", false
	}
	s, ok := a.Value.(string)
	return s, ok
}

// DoubleVector returns a double vector attribute value.
func (t *AttributeTable) DoubleVector(name string) ([]float64, bool) {
	a := t.attrs[name]
	if a == nil {
		return nil, false
	}
	v, ok := a.Value.([]float64)
	return v, ok
}

const attrTableMagic = 0x54415950 // "PYAT"

// marshalAttributes encodes a table as magic, count, then name, type and
// length-prefixed value per attribute.
func marshalAttributes(t *AttributeTable) ([]byte, error) {
	w := xdr.NewBufferWriter(64)
	w.WriteUint32(attrTableMagic)
	w.WriteUint32(uint32(t.Len()))
	for _, name := range t.Names() {
		if err := writeAttribute(w, t.attrs[name]); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func writeAttribute(w *xdr.BufferWriter, attr *Attribute) error {
	if attr.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAttribute)
	}
	v := xdr.NewBufferWriter(16)
	switch attr.Type {
	case AttrTypeInt:
		n, ok := attr.Value.(int64)
		if !ok {
			return fmt.Errorf("%w: %s is %T, want int64", ErrInvalidAttribute, attr.Name, attr.Value)
		}
		v.WriteInt64(n)
	case AttrTypeDouble:
		f, ok := attr.Value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s is %T, want float64", ErrInvalidAttribute, attr.Name, attr.Value)
		}
		v.WriteFloat64(f)
	case AttrTypeString:
		s, ok := attr.Value.(string)
		if !ok {
			return fmt.Errorf("%w: %s is %T, want string", ErrInvalidAttribute, attr.Name, attr.Value)
		}
		v.WriteBytes([]byte(s))
	case AttrTypeDoubleVector:
		fs, ok := attr.Value.([]float64)
		if !ok {
			return fmt.Errorf("%w: %s is %T, want []float64", ErrInvalidAttribute, attr.Name, attr.Value)
		}
		for _, f := range fs {
			v.WriteFloat64(f)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAttributeType, attr.Type)
	}
	w.WriteString(attr.Name)
	w.WriteString(string(attr.Type))
	w.WriteBlob(v.Bytes())
	return nil
}

func unmarshalAttributes(data []byte) (*AttributeTable, error) {
	r := xdr.NewReader(data)
	magic, err := r.ReadUint32()
	if err != nil || magic != attrTableMagic {
		return nil, fmt.Errorf("%w: bad attribute table magic", ErrCorruptHeader)
	}
	n, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	t := NewAttributeTable()
	for i := uint32(0); i < n; i++ {
		attr, err := readAttribute(r)
		if err != nil {
			return nil, err
		}
		t.Set(attr)
	}
	return t, nil
}

func readAttribute(r *xdr.Reader) (*Attribute, error) {
	name, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: attribute name: %v", ErrCorruptHeader, err)
	}
	typeName, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: attribute type: %v", ErrCorruptHeader, err)
	}
	value, err := r.ReadBlob()
	if err != nil {
		return nil, fmt.Errorf("%w: attribute %s: %v", ErrCorruptHeader, name, err)
	}

	attr := &Attribute{Name: name, Type: AttributeType(typeName)}
	vr := xdr.NewReader(value)
	switch attr.Type {
	case AttrTypeInt:
		n, err := vr.ReadInt64()
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s: %v", ErrCorruptHeader, name, err)
		}
		attr.Value = n
	case AttrTypeDouble:
		f, err := vr.ReadFloat64()
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s: %v", ErrCorruptHeader, name, err)
		}
		attr.Value = f
	case AttrTypeString:
		attr.Value = string(value)
	case AttrTypeDoubleVector:
		if len(value)%8 != 0 {
			return nil, fmt.Errorf("%w: attribute %s: vector of %d bytes", ErrCorruptHeader, name, len(value))
		}
		fs := make([]float64, len(value)/8)
		for i := range fs {
			fs[i], _ = vr.ReadFloat64()
		}
		attr.Value = fs
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttributeType, typeName)
	}
	return attr, nil
}
