package models

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// JSONMap
// ---------------------------------------------------------------------------

func TestJSONMap_ValueNil(t *testing.T) {
	var m JSONMap
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if v != nil {
		t.Errorf("Value() = %v, want nil", v)
	}
}

func TestJSONMap_ScanBytes(t *testing.T) {
	var m JSONMap
	if err := m.Scan([]byte(`{"endpoint":"/auth/login","limit":5}`)); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if m["endpoint"] != "/auth/login" {
		t.Errorf("endpoint = %v, want /auth/login", m["endpoint"])
	}
	if m["limit"] != float64(5) {
		t.Errorf("limit = %v, want 5", m["limit"])
	}
}

func TestJSONMap_ScanString(t *testing.T) {
	var m JSONMap
	if err := m.Scan(`{"a":"b"}`); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if m["a"] != "b" {
		t.Errorf("a = %v, want b", m["a"])
	}
}

func TestJSONMap_ScanNilAndEmpty(t *testing.T) {
	m := JSONMap{"stale": true}
	if err := m.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if m != nil {
		t.Errorf("Scan(nil) left %v, want nil", m)
	}
	if err := m.Scan([]byte{}); err != nil {
		t.Fatalf("Scan(empty) error: %v", err)
	}
}

func TestJSONMap_ScanUnsupported(t *testing.T) {
	var m JSONMap
	if err := m.Scan(42); err == nil {
		t.Error("Scan(int) expected error, got nil")
	}
}

func TestJSONMap_ScanInvalidJSON(t *testing.T) {
	var m JSONMap
	if err := m.Scan([]byte(`{not json`)); err == nil {
		t.Error("Scan(invalid) expected error, got nil")
	}
}

func TestJSONMap_ValueMarshals(t *testing.T) {
	m := JSONMap{"identifier": "user-1"}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	b, ok := v.([]byte)
	if !ok {
		t.Fatalf("Value() type = %T, want []byte", v)
	}
	if string(b) != `{"identifier":"user-1"}` {
		t.Errorf("Value() = %s", b)
	}
}

// ---------------------------------------------------------------------------
// Session.Expired
// ---------------------------------------------------------------------------

func TestSession_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future", now.Add(time.Minute), false},
		{"exactly now", now, false},
		{"past", now.Add(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ExpiresAt: tt.expiresAt}
			if got := s.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}
