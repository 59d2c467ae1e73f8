package protocol

import (
	"math"
	"testing"
)

func TestClassifyNotification(t *testing.T) {
	v, err := Classify([]interface{}{int64(2), "redraw", []interface{}{}})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	n, ok := v.(*Notification)
	if !ok {
		t.Fatalf("expected *Notification, got %T", v)
	}
	if n.Name != "redraw" {
		t.Errorf("Name mismatch: got %s, want redraw", n.Name)
	}
	if len(n.Args) != 0 {
		t.Errorf("Args mismatch: got %d elements, want 0", len(n.Args))
	}
}

func TestClassifyResponse(t *testing.T) {
	v, err := Classify([]interface{}{int64(1), int64(7), nil, map[string]interface{}{}})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	r, ok := v.(*Response)
	if !ok {
		t.Fatalf("expected *Response, got %T", v)
	}
	if r.ID != 7 {
		t.Errorf("ID mismatch: got %d, want 7", r.ID)
	}
	if r.Error != nil {
		t.Errorf("Error mismatch: got %v, want nil", r.Error)
	}
}

// The decoder hands back whatever integer width the wire encoding implied,
// so classification must accept all of them.
func TestClassifyIntegerWidths(t *testing.T) {
	tags := []interface{}{int8(1), int16(1), int32(1), int64(1), uint8(1), uint16(1), uint32(1), uint64(1), int(1)}
	for _, tag := range tags {
		v, err := Classify([]interface{}{tag, uint8(3), nil, nil})
		if err != nil {
			t.Fatalf("Classify with tag %T failed: %v", tag, err)
		}
		r := v.(*Response)
		if r.ID != 3 {
			t.Errorf("tag %T: ID mismatch: got %d, want 3", tag, r.ID)
		}
	}
}

func TestClassifyMalformed(t *testing.T) {
	cases := []struct {
		name string
		v    interface{}
	}{
		{"not an array", "redraw"},
		{"integer", int64(2)},
		{"length 2", []interface{}{int64(1), int64(5)}},
		{"length 3 wrong tag", []interface{}{int64(1), "redraw", []interface{}{}}},
		{"length 4 wrong tag", []interface{}{int64(2), int64(5), nil, nil}},
		{"request shape", []interface{}{int64(0), int64(5), "nvim_command", []interface{}{}}},
		{"notification non-string name", []interface{}{int64(2), int64(9), []interface{}{}}},
		{"notification non-array args", []interface{}{int64(2), "redraw", "args"}},
		{"response negative id", []interface{}{int64(1), int64(-1), nil, nil}},
		{"response id overflow", []interface{}{int64(1), uint64(math.MaxUint32) + 1, nil, nil}},
		{"empty array", []interface{}{}},
	}

	for _, tc := range cases {
		if _, err := Classify(tc.v); err != ErrMalformed {
			t.Errorf("%s: expected ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestSentinelIsMaxUint32(t *testing.T) {
	// A response carrying the sentinel id must still classify; discarding it
	// is the dispatcher's job, not a shape error.
	v, err := Classify([]interface{}{int64(1), uint64(math.MaxUint32), nil, nil})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if v.(*Response).ID != NoReplyID {
		t.Errorf("expected sentinel id, got %d", v.(*Response).ID)
	}
}
