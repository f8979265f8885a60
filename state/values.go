// Copyright 2024 Humanitec
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"bytes"
	"fmt"
	"reflect"
)

// ValidateValue checks a value against the closed grammar allowed for
// configuration entries and resource attributes: strings, integers,
// booleans, byte strings, lists, and string-keyed maps. Everything else is
// rejected at set-time rather than at serialization-time.
func ValidateValue(value interface{}) error {
	switch v := value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		[]byte:
		return nil
	case []interface{}:
		for i, item := range v {
			if err := ValidateValue(item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case map[string]interface{}:
		for key, item := range v {
			if err := ValidateValue(item); err != nil {
				return fmt.Errorf("key '%s': %w", key, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not storable", value)
	}
}

// ValuesEqual compares two grammar values, tolerating the integer width
// differences a yaml round trip introduces.
func ValuesEqual(a interface{}, b interface{}) bool {
	if ai, ok := asInt64(a); ok {
		bi, ok := asInt64(b)
		return ok && ai == bi
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	if al, ok := a.([]interface{}); ok {
		bl, ok := b.([]interface{})
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !ValuesEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	if am, ok := a.(map[string]interface{}); ok {
		bm, ok := b.(map[string]interface{})
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !ValuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asInt64(v interface{}) (int64, bool) {
	switch i := v.(type) {
	case int:
		return int64(i), true
	case int8:
		return int64(i), true
	case int16:
		return int64(i), true
	case int32:
		return int64(i), true
	case int64:
		return i, true
	case uint:
		return int64(i), true
	case uint8:
		return int64(i), true
	case uint16:
		return int64(i), true
	case uint32:
		return int64(i), true
	case uint64:
		return int64(i), true
	}
	return 0, false
}
