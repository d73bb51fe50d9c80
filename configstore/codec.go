package configstore

import "encoding/json"

// decodeAsStrings parses a top-level JSON object and coerces every value to
// its string form: strings pass through unchanged, everything else
// (numbers, bools, nested objects/arrays, null) is re-encoded as its JSON
// representation (§4.5).
func decodeAsStrings(raw []byte) (map[string]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}
