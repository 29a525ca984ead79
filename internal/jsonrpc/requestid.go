package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id, either a string or an integer.
type RequestID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

// StringID returns an id holding s.
func StringID(s string) *RequestID { return &RequestID{str: s, set: true} }

// IntID returns an id holding n.
func IntID(n int64) *RequestID { return &RequestID{num: n, isNum: true, set: true} }

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool { return id == nil || !id.set }

func (id *RequestID) String() string {
	switch {
	case id.IsNil():
		return ""
	case id.isNum:
		return strconv.FormatInt(id.num, 10)
	default:
		return id.str
	}
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.isNum:
		return json.Marshal(id.num)
	default:
		return json.Marshal(id.str)
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID{str: s, set: true}
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", string(data))
	}
	n, err := num.Int64()
	if err != nil {
		return fmt.Errorf("JSON-RPC id must be an integer, got %s", num)
	}
	*id = RequestID{num: n, isNum: true, set: true}
	return nil
}
