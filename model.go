// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Wire keys with a fixed meaning in every document.
const (
	KeyID     = "id"
	KeyObject = "object"
)

// rootField names the document itself in a FieldError.
const rootField = "$"

// Base carries the identity every document needs. Embed it in document
// structs.
type Base struct {
	ID string `json:"id"`
}

// Model describes the document type D: its type tag and the fields a
// payload must provide. A Model is immutable and safe for concurrent use.
//
// Fields follow encoding/json naming. A field is optional when it is a
// pointer, slice, map or interface, when its json tag has omitempty, or when
// it carries a glow tag of "optional" or "default=<value>"; every other
// field is required. glow:"required" makes any field required.
type Model[D any] struct {
	typ    reflect.Type
	tag    string
	idPath []int
	fields []fieldSpec
	plans  plans
}

// plans holds the field plan of every struct type reachable from D.
type plans map[reflect.Type][]fieldSpec

type fieldSpec struct {
	name     string
	index    []int
	depth    int
	typ      reflect.Type
	required bool
	nullable bool
	hasDef   bool
	def      any
}

// NewModel inspects D once. D must be a struct with a string field named id
// on the wire, normally by embedding Base.
func NewModel[D any]() (*Model[D], error) {
	typ := reflect.TypeFor[D]()
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("glowdb: document type %s is not a struct", typ)
	}

	fields, err := collectFields(typ, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("glowdb: document type %s: %w", typ, err)
	}
	fields = dominantFields(fields)

	m := &Model[D]{
		typ:    typ,
		tag:    strings.ToLower(typ.Name()),
		fields: fields,
		plans:  plans{typ: fields},
	}
	for _, f := range fields {
		if err := m.plans.add(f.typ); err != nil {
			return nil, fmt.Errorf("glowdb: document type %s: %w", typ, err)
		}
	}
	for i, f := range fields {
		switch f.name {
		case KeyID:
			if f.typ.Kind() != reflect.String {
				return nil, fmt.Errorf("glowdb: document type %s: id must be a string", typ)
			}
			fields[i].required = true
			m.idPath = f.index
		case KeyObject:
			return nil, fmt.Errorf("glowdb: document type %s: field name %q is reserved", typ, KeyObject)
		}
	}
	if m.idPath == nil {
		return nil, fmt.Errorf("glowdb: document type %s has no id field (embed glowdb.Base)", typ)
	}
	return m, nil
}

// MustModel is NewModel for package-level variables.
func MustModel[D any]() *Model[D] {
	m, err := NewModel[D]()
	if err != nil {
		panic(err)
	}
	return m
}

// Tag is the type tag: the lower-cased name of D.
func (m *Model[D]) Tag() string { return m.tag }

// New returns a zero document that already has an id.
func (m *Model[D]) New() *D {
	d := new(D)
	m.identify(d)
	return d
}

// ID returns the id of doc.
func (m *Model[D]) ID(doc *D) string {
	return reflect.ValueOf(doc).Elem().FieldByIndex(m.idPath).String()
}

// identify assigns a fresh id when doc has none. An id, once set, is never
// replaced.
func (m *Model[D]) identify(doc *D) string {
	f := reflect.ValueOf(doc).Elem().FieldByIndex(m.idPath)
	if f.String() == "" {
		f.SetString(uuid.NewString())
	}
	return f.String()
}

// Encode flattens doc into a wire value, assigning its id first if it has
// none. The type tag is added under "object". Byte slices are base64.
func (m *Model[D]) Encode(doc *D) (map[string]any, error) {
	if doc == nil {
		return nil, errors.New("glowdb: encode nil document")
	}
	m.identify(doc)

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.tag, err)
	}
	var out map[string]any
	if err := defaultCodec.Decode(b, &out); err != nil || out == nil {
		return nil, fmt.Errorf("encode %s: document does not marshal to an object", m.tag)
	}
	out[KeyObject] = m.tag
	return out, nil
}

// Decode validates a wire value and converts it to D. The value is usually
// a map[string]any; raw JSON is accepted too. Every violated field is
// reported in a single *ValidationError. The "object" key is ignored.
func (m *Model[D]) Decode(v any) (D, error) {
	var doc D
	v, err := generic(v)
	if err != nil {
		return doc, m.invalid(FieldError{Field: rootField, Reason: err.Error()})
	}
	doc, violations := m.decode(v)
	if len(violations) > 0 {
		return doc, &ValidationError{Type: m.tag, Fields: violations}
	}
	return doc, nil
}

// DecodeMany decodes an array element by element, keeping its order. It
// returns either every document or none; violations carry the element
// index, as in "[2].content". A null value decodes to no documents.
func (m *Model[D]) DecodeMany(v any) ([]D, error) {
	v, err := generic(v)
	if err != nil {
		return nil, m.invalid(FieldError{Field: rootField, Reason: err.Error()})
	}
	if v == nil {
		return []D{}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, m.invalid(FieldError{Field: rootField, Reason: "expected array, got " + jsonKind(v)})
	}

	docs := make([]D, len(items))
	var violations []FieldError
	for i, item := range items {
		doc, errs := m.decode(item)
		for _, fe := range errs {
			prefix := "[" + strconv.Itoa(i) + "]"
			if fe.Field == rootField {
				fe.Field = prefix
			} else {
				fe.Field = prefix + "." + fe.Field
			}
			violations = append(violations, fe)
		}
		docs[i] = doc
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Type: m.tag, Fields: violations}
	}
	return docs, nil
}

func (m *Model[D]) invalid(fe ...FieldError) error {
	return &ValidationError{Type: m.tag, Fields: fe}
}

func (m *Model[D]) decode(v any) (D, []FieldError) {
	var doc D
	obj, ok := v.(map[string]any)
	if !ok {
		return doc, []FieldError{{Field: rootField, Reason: "expected object, got " + jsonKind(v)}}
	}

	fixed, violations := m.plans.checkObject(m.fields, obj, "", true)
	if len(violations) > 0 {
		return doc, violations
	}

	b, err := json.Marshal(fixed)
	if err != nil {
		return doc, []FieldError{{Field: rootField, Reason: err.Error()}}
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return doc, []FieldError{{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String() + ", got " + typeErr.Value}}
		}
		return doc, []FieldError{{Field: rootField, Reason: err.Error()}}
	}
	return doc, nil
}

// add records the plan of every struct type reachable from t.
func (p plans) add(t reflect.Type) error {
	for {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
			t = t.Elem()
			continue
		}
		break
	}
	if t.Kind() != reflect.Struct || unmarshals(t) {
		return nil
	}
	if _, ok := p[t]; ok {
		return nil
	}

	fields, err := collectFields(t, nil, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}
	fields = dominantFields(fields)
	p[t] = fields
	for _, f := range fields {
		if err := p.add(f.typ); err != nil {
			return err
		}
	}
	return nil
}

// checkObject validates obj against fields and returns a copy with
// defaults filled in. At the top level the "object" key is dropped and the
// id must be non-empty.
func (p plans) checkObject(fields []fieldSpec, obj map[string]any, path string, top bool) (map[string]any, []FieldError) {
	fixed := make(map[string]any, len(obj))
	for k, val := range obj {
		if !top || k != KeyObject {
			fixed[k] = val
		}
	}

	var violations []FieldError
	for _, f := range fields {
		name := join(path, f.name)
		val, present := fixed[f.name]
		switch {
		case !present:
			if f.required {
				violations = append(violations, FieldError{Field: name, Reason: "required field missing"})
			} else if f.hasDef {
				fixed[f.name] = f.def
			}
		case val == nil:
			switch {
			case f.required:
				violations = append(violations, FieldError{Field: name, Reason: "must not be null"})
			case f.nullable:
			case f.hasDef:
				fixed[f.name] = f.def
			default:
				delete(fixed, f.name)
			}
		default:
			clean, errs := p.check(f.typ, val, name)
			if len(errs) > 0 {
				violations = append(violations, errs...)
				continue
			}
			if top && f.name == KeyID && val == "" {
				violations = append(violations, FieldError{Field: name, Reason: "must not be empty"})
				continue
			}
			fixed[f.name] = clean
		}
	}
	return fixed, violations
}

// check validates v as a value of type t, descending into arrays, maps and
// structs. Null elements are left to encoding/json.
func (p plans) check(t reflect.Type, v any, path string) (any, []FieldError) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if unmarshals(t) {
		return v, nil
	}
	fail := func(reason string) (any, []FieldError) {
		return v, []FieldError{{Field: path, Reason: reason}}
	}

	switch t.Kind() {
	case reflect.String:
		if _, ok := v.(string); !ok {
			return fail("expected string, got " + jsonKind(v))
		}
	case reflect.Bool:
		if _, ok := v.(bool); !ok {
			return fail("expected boolean, got " + jsonKind(v))
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		clean, reason := checkInt(t, v)
		if reason != "" {
			return fail(reason)
		}
		return clean, nil
	case reflect.Float32, reflect.Float64:
		n, ok := number(v)
		if !ok {
			return fail("expected number, got " + jsonKind(v))
		}
		if t.Kind() == reflect.Float32 && math.Abs(n) > math.MaxFloat32 {
			return fail("out of range for float32")
		}
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			s, ok := v.(string)
			if !ok {
				return fail("expected base64 string, got " + jsonKind(v))
			}
			if _, err := base64.StdEncoding.DecodeString(s); err != nil {
				return fail("invalid base64")
			}
			return v, nil
		}
		items, ok := v.([]any)
		if !ok {
			return fail("expected array, got " + jsonKind(v))
		}
		out := make([]any, len(items))
		var violations []FieldError
		for i, item := range items {
			out[i] = item
			if item == nil {
				continue
			}
			clean, errs := p.check(t.Elem(), item, path+"["+strconv.Itoa(i)+"]")
			violations = append(violations, errs...)
			out[i] = clean
		}
		return out, violations
	case reflect.Map:
		obj, ok := v.(map[string]any)
		if !ok {
			return fail("expected object, got " + jsonKind(v))
		}
		out := make(map[string]any, len(obj))
		var violations []FieldError
		for _, k := range sortedKeys(obj) {
			out[k] = obj[k]
			if obj[k] == nil {
				continue
			}
			clean, errs := p.check(t.Elem(), obj[k], join(path, k))
			violations = append(violations, errs...)
			out[k] = clean
		}
		return out, violations
	case reflect.Struct:
		obj, ok := v.(map[string]any)
		if !ok {
			return fail("expected object, got " + jsonKind(v))
		}
		return p.checkObject(p[t], obj, path, false)
	}
	return v, nil
}

// checkInt reports why v does not fit the integer type t, or "". An
// integral value written as 1.0 or 1e2 is returned in plain form.
func checkInt(t reflect.Type, v any) (json.Number, string) {
	unsigned := t.Kind() >= reflect.Uint && t.Kind() <= reflect.Uint64
	want := "integer"
	if unsigned {
		want = "unsigned integer"
	}

	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
		if f, err := n.Float64(); err == nil && strings.ContainsAny(s, ".eE") && f == math.Trunc(f) {
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		s = strconv.Itoa(n)
	case int64:
		s = strconv.FormatInt(n, 10)
	default:
		return "", "expected " + want + ", got " + jsonKind(v)
	}

	var err error
	if unsigned {
		_, err = strconv.ParseUint(s, 10, t.Bits())
	} else {
		_, err = strconv.ParseInt(s, 10, t.Bits())
	}
	switch {
	case err == nil:
		return json.Number(s), ""
	case errors.Is(err, strconv.ErrRange):
		return "", "out of range for " + t.Kind().String()
	default:
		return "", "expected " + want + ", got number " + s
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// generic turns raw JSON into a structured value; anything else passes.
func generic(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		return v, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := defaultCodec.Decode(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectFields(t reflect.Type, index []int, depth int) ([]fieldSpec, error) {
	var out []fieldSpec
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		jsonTag := sf.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(jsonTag, ",")
		idx := append(append([]int(nil), index...), i)

		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
			nested, err := collectFields(sf.Type, idx, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}

		f := fieldSpec{name: name, index: idx, depth: depth, typ: sf.Type}
		switch sf.Type.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
			f.nullable = true
		}
		f.required = !f.nullable && !hasOption(opts, "omitempty") && !hasOption(opts, "omitzero")

		glow := sf.Tag.Get("glow")
		switch {
		case glow == "":
		case glow == "required":
			f.required = true
		case glow == "optional":
			f.required = false
		case strings.HasPrefix(glow, "default="):
			def, err := parseDefault(sf.Type, strings.TrimPrefix(glow, "default="))
			if err != nil {
				return nil, fmt.Errorf("field %s: bad default: %w", sf.Name, err)
			}
			f.required, f.hasDef, f.def = false, true, def
		default:
			return nil, fmt.Errorf("field %s: unknown glow tag %q", sf.Name, glow)
		}
		out = append(out, f)
	}
	return out, nil
}

// dominantFields applies the encoding/json rule that a shallower field hides
// deeper fields of the same name.
func dominantFields(fields []fieldSpec) []fieldSpec {
	best := make(map[string]int, len(fields))
	for _, f := range fields {
		if d, ok := best[f.name]; !ok || f.depth < d {
			best[f.name] = f.depth
		}
	}
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.depth == best[f.name] && !seen[f.name] {
			seen[f.name] = true
			out = append(out, f)
		}
	}
	return out
}

func hasOption(opts, want string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == want {
			return true
		}
	}
	return false
}

// parseDefault converts a glow default into the wire form of its field.
func parseDefault(t reflect.Type, s string) (any, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return s, nil
	case reflect.Bool:
		return strconv.ParseBool(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if _, err := strconv.ParseInt(s, 10, t.Bits()); err != nil {
			return nil, err
		}
		return json.Number(s), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if _, err := strconv.ParseUint(s, 10, t.Bits()); err != nil {
			return nil, err
		}
		return json.Number(s), nil
	case reflect.Float32, reflect.Float64:
		if _, err := strconv.ParseFloat(s, t.Bits()); err != nil {
			return nil, err
		}
		return json.Number(s), nil
	}
	var v any
	if err := defaultCodec.Decode([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

var (
	jsonUnmarshalerType = reflect.TypeFor[json.Unmarshaler]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
)

// unmarshals reports whether t decodes itself. Such values are left to
// encoding/json.
func unmarshals(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return pt.Implements(jsonUnmarshalerType) || pt.Implements(textUnmarshalerType)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
