package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

const mapDataType = "Map"

type MapEntry struct {
	Key   any
	Value any
}

// OrderedMap is an insertion-ordered map whose keys may be any JSON value.
// On the wire it is tagged as {"dataType":"Map","value":[[k,v],...]}.
type OrderedMap struct {
	entries []MapEntry
}

func NewOrderedMap(entries ...MapEntry) *OrderedMap {
	m := &OrderedMap{}
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

func (m *OrderedMap) Set(key, value any) {
	for i := range m.entries {
		if reflect.DeepEqual(m.entries[i].Key, key) {
			m.entries[i].Value = value
			return
		}
	}
	m.entries = append(m.entries, MapEntry{Key: key, Value: value})
}

func (m *OrderedMap) Get(key any) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, e := range m.entries {
		if reflect.DeepEqual(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

func (m *OrderedMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func (m *OrderedMap) Entries() []MapEntry {
	if m == nil {
		return nil
	}
	return append([]MapEntry(nil), m.entries...)
}

type taggedMap struct {
	DataType string  `json:"dataType"`
	Value    [][]any `json:"value"`
}

func (m OrderedMap) MarshalJSON() ([]byte, error) {
	pairs := make([][]any, 0, len(m.entries))
	for _, e := range m.entries {
		pairs = append(pairs, []any{tagMaps(e.Key), tagMaps(e.Value)})
	}
	return json.Marshal(taggedMap{DataType: mapDataType, Value: pairs})
}

func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, ok := untagMaps(raw).(*OrderedMap)
	if !ok {
		return errors.New("envelope: value is not a tagged Map")
	}
	m.entries = decoded.entries
	return nil
}

// tagMaps rewrites values the JSON encoder cannot represent as objects
// (maps with non-string keys) into OrderedMap, recursively.
func tagMaps(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = tagMaps(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = tagMaps(val)
		}
		return out
	case map[any]any:
		keys := make([]any, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
		})
		m := &OrderedMap{}
		for _, k := range keys {
			m.Set(k, t[k])
		}
		return m
	default:
		return v
	}
}

func untagMaps(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if m, ok := asTaggedMap(t); ok {
			return m
		}
		for k, val := range t {
			t[k] = untagMaps(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = untagMaps(val)
		}
		return t
	default:
		return v
	}
}

func asTaggedMap(obj map[string]any) (*OrderedMap, bool) {
	if len(obj) != 2 || obj["dataType"] != mapDataType {
		return nil, false
	}
	pairs, ok := obj["value"].([]any)
	if !ok {
		return nil, false
	}
	m := &OrderedMap{entries: make([]MapEntry, 0, len(pairs))}
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return nil, false
		}
		m.entries = append(m.entries, MapEntry{Key: untagMaps(pair[0]), Value: untagMaps(pair[1])})
	}
	return m, true
}
