// Package synthetic rebuilds control messages that crossed the broker into
// in-memory request and response values the protocol engine can consume
// without a live socket.
package synthetic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// SerializedRequest is the broker-safe snapshot of one control message.
type SerializedRequest struct {
	URL     string  `json:"url"`
	Method  string  `json:"method"`
	Body    string  `json:"body"`
	Headers Headers `json:"headers"`
}

// Headers carries header values keyed by lower-case name. On the wire a
// single value is a JSON string and repeated values are an array, which is
// also how Node producers encode IncomingHttpHeaders.
type Headers map[string][]string

func (h Headers) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h))
	for k, v := range h {
		switch len(v) {
		case 0:
			continue
		case 1:
			out[k] = v[0]
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		name := strings.ToLower(k)
		var single string
		if err := json.Unmarshal(v, &single); err == nil {
			out[name] = append(out[name], single)
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("header %q: expected string or string array", k)
		}
		out[name] = append(out[name], many...)
	}
	*h = out
	return nil
}

// HTTP converts the snapshot back into canonical http.Header form.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// Snapshot captures a live control request whose body has already been read
// in full.
func Snapshot(r *http.Request, body string) SerializedRequest {
	hs := make(Headers, len(r.Header))
	for k, vs := range r.Header {
		name := strings.ToLower(k)
		hs[name] = append(hs[name], vs...)
	}
	if r.Host != "" && len(hs["host"]) == 0 {
		hs["host"] = []string{r.Host}
	}
	return SerializedRequest{
		URL:     r.URL.RequestURI(),
		Method:  r.Method,
		Body:    body,
		Headers: hs,
	}
}

// Encode serializes sr for publishing.
func Encode(sr SerializedRequest) ([]byte, error) {
	if sr.Headers == nil {
		sr.Headers = Headers{}
	}
	return json.Marshal(sr)
}

// Decode parses a payload delivered by the broker.
func Decode(payload []byte) (SerializedRequest, error) {
	var sr SerializedRequest
	if err := json.Unmarshal(payload, &sr); err != nil {
		return SerializedRequest{}, fmt.Errorf("decode serialized request: %w", err)
	}
	return sr, nil
}

// Request is an inbound request reconstructed from a SerializedRequest. It has
// no connection, peer address or TLS state.
type Request struct {
	method string
	url    string
	header http.Header
	body   io.Reader
}

// NewRequest builds a Request from sr. A non-empty body is exposed as one
// chunk followed by EOF; an empty body reads as EOF immediately.
func NewRequest(sr SerializedRequest) *Request {
	method := sr.Method
	if method == "" {
		method = http.MethodGet
	}
	url := sr.URL
	if url == "" {
		url = "/"
	}
	var body io.Reader = http.NoBody
	if sr.Body != "" {
		body = bytes.NewReader([]byte(sr.Body))
	}
	return &Request{method: method, url: url, header: sr.Headers.HTTP(), body: body}
}

// Method, URL, Header and Body expose the rebuilt request to the engine.
func (r *Request) Method() string      { return r.method }
func (r *Request) URL() string         { return r.url }
func (r *Request) Header() http.Header { return r.header }
func (r *Request) Body() io.Reader     { return r.body }

// HeaderNames lists the header names present, sorted. Used in log output.
func (r *Request) HeaderNames() []string {
	names := make([]string, 0, len(r.header))
	for k := range r.header {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
