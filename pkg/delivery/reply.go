package delivery

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrUnparseableReply is returned by ParseReply for bodies that are neither a
// verbose reply object nor a bare status.
var ErrUnparseableReply = errors.New("delivery: unparseable reply")

// Reply is the collection endpoint's verdict on one batch.
type Reply struct {
	Status bool
	Error  string
}

// ParseReply accepts a verbose reply such as {"status":1,"error":""} or a bare
// non-verbose status ("1", "0", "true", "false"). Status may be a number or a
// boolean; any non-zero number counts as success.
func ParseReply(body []byte) (Reply, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Reply{}, fmt.Errorf("%w: empty body", ErrUnparseableReply)
	}

	if trimmed[0] != '{' {
		ok, err := parseStatus(trimmed)
		if err != nil {
			return Reply{}, err
		}
		reply := Reply{Status: ok}
		if !ok {
			reply.Error = "error, enable verbose responses for debugging."
		}
		return reply, nil
	}

	var verbose struct {
		Status json.RawMessage `json:"status"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &verbose); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrUnparseableReply, err)
	}

	reply := Reply{Error: errorText(verbose.Error)}
	if len(bytes.TrimSpace(verbose.Status)) > 0 {
		ok, err := parseStatus(verbose.Status)
		if err != nil {
			return Reply{}, err
		}
		reply.Status = ok
	}
	return reply, nil
}

func parseStatus(raw []byte) (bool, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnparseableReply, err)
	}
	switch s := v.(type) {
	case bool:
		return s, nil
	case float64:
		return s != 0, nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("%w: status %s", ErrUnparseableReply, raw)
}

// errorText renders the reply's error field. Strings are unquoted, null is
// empty and any other value keeps its JSON text.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
