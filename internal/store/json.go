package store

import "encoding/json"

// marshalJSON and unmarshalJSON centralise the store's JSON column encoding
// so every caller handles nil/empty the same way.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
