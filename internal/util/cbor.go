/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package util

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// RenderCBORPretty decodes raw CBOR and renders it as indented JSON,
// for the inspect command. Integer map keys and byte strings are
// stringified since JSON cannot carry them natively.
func RenderCBORPretty(raw []byte) (string, error) {
	var decoded any
	if err := cbor.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode cbor: %w", err)
	}
	pretty, err := json.MarshalIndent(jsonify(decoded), "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

func jsonify(value any) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = jsonify(elem)
		}
		return out
	case map[any]any:
		keys := make([]string, 0, len(v))
		byKey := make(map[string]any, len(v))
		for key, val := range v {
			k := stringifyKey(key)
			keys = append(keys, k)
			byKey[k] = jsonify(val)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = byKey[k]
		}
		return out
	case []byte:
		return fmt.Sprintf("h'%x'", v)
	case cbor.Tag:
		return map[string]any{
			"_cborTag": v.Number,
			"content":  jsonify(v.Content),
		}
	default:
		return v
	}
}

func stringifyKey(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return fmt.Sprintf("h'%x'", k)
	default:
		return fmt.Sprint(k)
	}
}
