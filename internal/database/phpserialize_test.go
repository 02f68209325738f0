package database

import (
	"errors"
	"testing"
)

func TestUnserializePHPCartFields(t *testing.T) {
	raw := `a:4:{s:16:"wcf_phone_number";s:12:"966500000000";s:14:"wcf_first_name";s:8:"سارة";i:3;b:1;s:6:"coupon";N;}`

	m, err := UnserializePHP(raw)
	if err != nil {
		t.Fatalf("UnserializePHP error: %v", err)
	}
	if m["wcf_phone_number"] != "966500000000" {
		t.Errorf("phone = %v", m["wcf_phone_number"])
	}
	if m["wcf_first_name"] != "سارة" {
		t.Errorf("first name = %v", m["wcf_first_name"])
	}
	if m["3"] != true {
		t.Errorf("m[3] = %v, want true", m["3"])
	}
	if v, ok := m["coupon"]; !ok || v != nil {
		t.Errorf("coupon = %v, %v; want nil", v, ok)
	}
}

func TestUnserializePHPNested(t *testing.T) {
	m, err := UnserializePHP(`a:1:{s:5:"items";a:2:{i:0;s:3:"tea";i:1;s:6:"coffee";}}`)
	if err != nil {
		t.Fatalf("UnserializePHP error: %v", err)
	}
	items, ok := m["items"].(map[string]any)
	if !ok || items["0"] != "tea" || items["1"] != "coffee" {
		t.Fatalf("items = %#v", m["items"])
	}
}

func TestUnserializePHPObject(t *testing.T) {
	m, err := UnserializePHP(`O:8:"stdClass":1:{s:16:"wcf_phone_number";s:12:"966500000000";}`)
	if err != nil {
		t.Fatalf("UnserializePHP error: %v", err)
	}
	if m["wcf_phone_number"] != "966500000000" {
		t.Fatalf("phone = %v", m["wcf_phone_number"])
	}
}

func TestUnserializePHPMalformed(t *testing.T) {
	tests := []string{
		`a:1:{s:16:"wcf_phone_number";s:9223372036854775807:"x";}`,
		`s:9223372036854775807:"x";`,
		`a:1:{s:5:"phone";s:10:"short";}`,
		`a:2:{s:1:"a";i:1;}`,
		`i:12;`,
		`x`,
	}
	for _, raw := range tests {
		m, err := UnserializePHP(raw)
		if !errors.Is(err, ErrPHPSerialized) {
			t.Errorf("UnserializePHP(%q) error = %v, want ErrPHPSerialized", raw, err)
		}
		if m != nil {
			t.Errorf("UnserializePHP(%q) = %v, want nil", raw, m)
		}
	}
}

func TestCartContact(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantPhone string
		wantName  string
		wantErr   bool
	}{
		{name: "fields", raw: `a:2:{s:16:"wcf_phone_number";s:10:"0500000001";s:14:"wcf_first_name";s:4:"Sara";}`, wantPhone: "0500000001", wantName: "Sara"},
		{name: "numeric phone", raw: `a:1:{s:16:"wcf_phone_number";i:500000001;}`, wantPhone: "500000001"},
		{name: "empty", raw: ``},
		{name: "corrupt length", raw: `a:1:{s:16:"wcf_phone_number";s:9223372036854775807:"x";}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phone, name, err := cartContact(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if phone != tt.wantPhone || name != tt.wantName {
				t.Fatalf("cartContact = %q, %q; want %q, %q", phone, name, tt.wantPhone, tt.wantName)
			}
		})
	}
}
