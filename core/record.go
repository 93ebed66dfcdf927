package core

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"
)

// SyntheticFieldPrefix marks engine-owned fields inside a structured record.
// They are stripped before mapping and can never be declared as properties.
const SyntheticFieldPrefix = "@"

// FieldSchemaVersion carries the adapter schema version a record was written with.
const FieldSchemaVersion = SyntheticFieldPrefix + "schemaVersion"

var (
	classNamePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	shardSuffixPattern = regexp.MustCompile(`_[0-9]+$`)
)

// RecordLocator addresses a live record inside the engine. Cluster ids start
// at 1, so the zero value is an unassigned locator.
type RecordLocator struct {
	Cluster  int32
	Position int64
}

func (l RecordLocator) IsValid() bool {
	return l.Cluster > 0 && l.Position >= 0
}

func (l RecordLocator) String() string {
	return fmt.Sprintf("#%d:%d", l.Cluster, l.Position)
}

type RecordKind uint8

const (
	RecordStructured RecordKind = iota
	RecordBinary
)

func (k RecordKind) String() string {
	switch k {
	case RecordStructured:
		return "structured"
	case RecordBinary:
		return "binary"
	default:
		return fmt.Sprintf("record_kind(%d)", uint8(k))
	}
}

// Record is the engine representation of a stored entity. Structured records
// carry Fields, binary records carry Bytes; the other side is ignored.
type Record struct {
	Locator RecordLocator
	Version int64
	Class   string
	Kind    RecordKind
	Fields  map[string]any
	Bytes   []byte
}

func NewStructuredRecord(class string, fields map[string]any) *Record {
	return &Record{
		Class:  strings.TrimSpace(class),
		Kind:   RecordStructured,
		Fields: cloneValueMap(fields),
	}
}

func NewBinaryRecord(class string, data []byte) *Record {
	return &Record{
		Class: strings.TrimSpace(class),
		Kind:  RecordBinary,
		Bytes: bytes.Clone(data),
	}
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = cloneValueMap(r.Fields)
	out.Bytes = bytes.Clone(r.Bytes)
	return &out
}

func (r *Record) Field(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	value, ok := r.Fields[name]
	return value, ok
}

func (r *Record) SetField(name string, value any) {
	if r == nil {
		return
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[name] = value
}

// DomainFields returns a copy of the structured fields without synthetic
// engine fields.
func (r *Record) DomainFields() map[string]any {
	if r == nil || len(r.Fields) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(r.Fields))
	for key, value := range r.Fields {
		if strings.HasPrefix(key, SyntheticFieldPrefix) {
			continue
		}
		out[key] = cloneValue(value)
	}
	return out
}

// SameContent reports whether both records carry equal domain content.
func (r *Record) SameContent(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Kind != other.Kind {
		return false
	}
	if r.Kind == RecordBinary {
		return bytes.Equal(r.Bytes, other.Bytes)
	}
	left := r.DomainFields()
	right := other.DomainFields()
	if len(left) != len(right) {
		return false
	}
	for key, value := range left {
		otherValue, ok := right[key]
		if !ok || !valuesEqual(value, otherValue) {
			return false
		}
	}
	return true
}

type PropertyType string

const (
	PropertyString   PropertyType = "string"
	PropertyInteger  PropertyType = "integer"
	PropertyFloat    PropertyType = "float"
	PropertyBoolean  PropertyType = "boolean"
	PropertyDateTime PropertyType = "datetime"
	PropertyBinary   PropertyType = "binary"
	PropertyMap      PropertyType = "map"
	PropertyList     PropertyType = "list"
)

func (t PropertyType) valid() bool {
	switch t {
	case PropertyString, PropertyInteger, PropertyFloat, PropertyBoolean,
		PropertyDateTime, PropertyBinary, PropertyMap, PropertyList:
		return true
	}
	return false
}

type PropertySchema struct {
	Name      string
	Type      PropertyType
	Mandatory bool
	NotNull   bool
}

type IndexSchema struct {
	Name   string
	Fields []string
	Unique bool
}

// ClassSchema describes the storage class an adapter registers.
type ClassSchema struct {
	Name       string
	Version    int
	Binary     bool
	Properties []PropertySchema
	Indexes    []IndexSchema
}

// Validate rejects malformed schemas. Class names ending in `_<digits>` are
// rejected because that suffix is reserved for shard clusters, which keeps
// ClassNameFromCluster unambiguous for every registrable class.
func (s ClassSchema) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return NewConfigurationError("schema: class name is required")
	}
	if !classNamePattern.MatchString(name) {
		return NewConfigurationError(fmt.Sprintf("schema: class name %q is invalid", name))
	}
	if shardSuffixPattern.MatchString(name) {
		return NewConfigurationError(fmt.Sprintf("schema: class name %q collides with the shard cluster suffix", name))
	}
	if s.Version < 0 {
		return NewConfigurationError(fmt.Sprintf("schema: class %q version must not be negative", name))
	}
	if s.Binary && len(s.Properties) > 0 {
		return NewConfigurationError(fmt.Sprintf("schema: binary class %q cannot declare properties", name))
	}

	seen := make(map[string]struct{}, len(s.Properties))
	for _, prop := range s.Properties {
		propName := strings.TrimSpace(prop.Name)
		if propName == "" {
			return NewConfigurationError(fmt.Sprintf("schema: class %q has a property without a name", name))
		}
		if strings.HasPrefix(propName, SyntheticFieldPrefix) {
			return NewConfigurationError(fmt.Sprintf("schema: property %q uses the reserved %q prefix", propName, SyntheticFieldPrefix))
		}
		if _, exists := seen[propName]; exists {
			return NewConfigurationError(fmt.Sprintf("schema: property %q is declared twice on %q", propName, name))
		}
		if !prop.Type.valid() {
			return NewConfigurationError(fmt.Sprintf("schema: property %q has unsupported type %q", propName, prop.Type))
		}
		seen[propName] = struct{}{}
	}

	indexes := make(map[string]struct{}, len(s.Indexes))
	for _, index := range s.Indexes {
		indexName := strings.TrimSpace(index.Name)
		if indexName == "" {
			return NewConfigurationError(fmt.Sprintf("schema: class %q has an index without a name", name))
		}
		if _, exists := indexes[indexName]; exists {
			return NewConfigurationError(fmt.Sprintf("schema: index %q is declared twice", indexName))
		}
		if len(index.Fields) == 0 {
			return NewConfigurationError(fmt.Sprintf("schema: index %q has no fields", indexName))
		}
		for _, field := range index.Fields {
			if _, ok := seen[strings.TrimSpace(field)]; !ok {
				return NewConfigurationError(fmt.Sprintf("schema: index %q references undeclared property %q", indexName, field))
			}
		}
		indexes[indexName] = struct{}{}
	}
	return nil
}

func (s ClassSchema) Property(name string) (PropertySchema, bool) {
	for _, prop := range s.Properties {
		if prop.Name == name {
			return prop, true
		}
	}
	return PropertySchema{}, false
}

// ClassInfo is the engine's view of a registered class and its clusters.
type ClassInfo struct {
	Name         string
	Schema       ClassSchema
	ClusterIDs   []int32
	ClusterNames []string
}

func (c ClassInfo) OwnsCluster(id int32) bool {
	return slices.Contains(c.ClusterIDs, id)
}

// ClassNameFromCluster strips the numeric shard suffix from a cluster name.
func ClassNameFromCluster(cluster string) string {
	cluster = strings.TrimSpace(cluster)
	return shardSuffixPattern.ReplaceAllString(cluster, "")
}

func cloneValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneValueMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		return bytes.Clone(typed)
	case []string:
		return slices.Clone(typed)
	default:
		return value
	}
}

func valuesEqual(left any, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			return compareNumbers(l, r) == 0
		}
		return false
	}
	switch typed := left.(type) {
	case time.Time:
		other, ok := right.(time.Time)
		return ok && typed.Equal(other)
	case []byte:
		other, ok := right.([]byte)
		return ok && bytes.Equal(typed, other)
	case map[string]any:
		other, ok := right.(map[string]any)
		if !ok || len(typed) != len(other) {
			return false
		}
		for key, value := range typed {
			otherValue, exists := other[key]
			if !exists || !valuesEqual(value, otherValue) {
				return false
			}
		}
		return true
	case []any:
		other, ok := right.([]any)
		if !ok || len(typed) != len(other) {
			return false
		}
		for i := range typed {
			if !valuesEqual(typed[i], other[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(left, right)
}

type numberKind uint8

const (
	numberSigned numberKind = iota + 1
	numberUnsigned
	numberFloat
)

// number holds a numeric field value without widening integers to float64,
// so integers beyond 2^53 keep their exact value.
type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

func toNumber(value any) (number, bool) {
	switch typed := value.(type) {
	case int:
		return number{kind: numberSigned, i: int64(typed)}, true
	case int8:
		return number{kind: numberSigned, i: int64(typed)}, true
	case int16:
		return number{kind: numberSigned, i: int64(typed)}, true
	case int32:
		return number{kind: numberSigned, i: int64(typed)}, true
	case int64:
		return number{kind: numberSigned, i: typed}, true
	case uint:
		return number{kind: numberUnsigned, u: uint64(typed)}, true
	case uint8:
		return number{kind: numberUnsigned, u: uint64(typed)}, true
	case uint16:
		return number{kind: numberUnsigned, u: uint64(typed)}, true
	case uint32:
		return number{kind: numberUnsigned, u: uint64(typed)}, true
	case uint64:
		return number{kind: numberUnsigned, u: typed}, true
	case float32:
		return number{kind: numberFloat, f: float64(typed)}, true
	case float64:
		return number{kind: numberFloat, f: typed}, true
	}
	return number{}, false
}

func (n number) float() float64 {
	switch n.kind {
	case numberSigned:
		return float64(n.i)
	case numberUnsigned:
		return float64(n.u)
	}
	return n.f
}

// asInt64 truncates floats and reports false for unsigned values above MaxInt64.
func (n number) asInt64() (int64, bool) {
	switch n.kind {
	case numberSigned:
		return n.i, true
	case numberUnsigned:
		if n.u > math.MaxInt64 {
			return 0, false
		}
		return int64(n.u), true
	case numberFloat:
		if math.IsNaN(n.f) || n.f < math.MinInt64 || n.f >= math.MaxInt64 {
			return 0, false
		}
		return int64(n.f), true
	}
	return 0, false
}

// compareNumbers compares integers exactly and falls back to float64 only
// when one side is a float.
func compareNumbers(left number, right number) int {
	switch {
	case left.kind == numberFloat || right.kind == numberFloat:
		return cmp.Compare(left.float(), right.float())
	case left.kind == numberSigned && right.kind == numberSigned:
		return cmp.Compare(left.i, right.i)
	case left.kind == numberUnsigned && right.kind == numberUnsigned:
		return cmp.Compare(left.u, right.u)
	case left.kind == numberSigned:
		if left.i < 0 {
			return -1
		}
		return cmp.Compare(uint64(left.i), right.u)
	default:
		if right.i < 0 {
			return 1
		}
		return cmp.Compare(left.u, uint64(right.i))
	}
}
