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

package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// TryParseScalar converts a command line value string into the scalar form
// accepted by the build state value grammar (string, integer, boolean, or
// null). Floats are not part of the grammar and stay strings. Quoted values
// are always strings.
//
// Conversion rules:
//
//	null    -> nil
//	123     -> int
//	"123"   -> string
//	false   -> boolean
//	"false" -> string
//	abc     -> string
//	"abc"   -> string
func TryParseScalar(str string) interface{} {
	if str == "null" {
		return nil
	} else if strings.HasPrefix(str, "\"") {
		return strings.Trim(str, "\"")
	}

	if val, err := strconv.ParseInt(str, 10, 64); err == nil {
		return int(val)
	} else if val, err := strconv.ParseBool(str); err == nil {
		return val
	}

	return str
}

// SplitKeyValue splits a KEY=VALUE flag argument, rejecting entries with no
// '=' or an empty key.
func SplitKeyValue(entry string) (string, string, error) {
	parts := strings.SplitN(entry, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid entry '%s': expected KEY=VALUE", entry)
	}
	return parts[0], parts[1], nil
}
