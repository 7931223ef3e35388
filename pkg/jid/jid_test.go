package jid

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    JID
		wantErr bool
	}{
		{
			name:  "full jid",
			input: "user@example.org/work",
			want:  JID{Node: "user", Domain: "example.org", Resource: "work"},
		},
		{
			name:  "bare jid",
			input: "user@example.org",
			want:  JID{Node: "user", Domain: "example.org"},
		},
		{
			name:  "domain only",
			input: "example.org",
			want:  JID{Domain: "example.org"},
		},
		{
			name:  "domain with resource",
			input: "config@-internal/jabber:config:dnsrv",
			want:  JID{Node: "config", Domain: "-internal", Resource: "jabber:config:dnsrv"},
		},
		{
			name:  "domain case folded",
			input: "user@EXAMPLE.org",
			want:  JID{Node: "user", Domain: "example.org"},
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "missing domain",
			input:   "user@",
			wantErr: true,
		},
		{
			name:    "whitespace domain",
			input:   "user@bad host",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) should have failed", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if *got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, *got, tt.want)
			}
		})
	}
}

func TestFullBare(t *testing.T) {
	j := MustParse("user@example.org/work")
	if j.Full() != "user@example.org/work" {
		t.Errorf("Full() = %q", j.Full())
	}
	if j.Bare() != "user@example.org" {
		t.Errorf("Bare() = %q", j.Bare())
	}
	if MustParse("example.org").Bare() != "example.org" {
		t.Error("Bare of a domain-only jid should be the domain")
	}
}

func TestWithDomain(t *testing.T) {
	j := MustParse("user@legacy.example.org/work")
	mapped := j.WithDomain("main.example.org")
	if mapped.Full() != "user@main.example.org/work" {
		t.Errorf("WithDomain = %q", mapped.Full())
	}
	if j.Domain != "legacy.example.org" {
		t.Error("WithDomain modified the original")
	}
}

func TestEqualBare(t *testing.T) {
	a := MustParse("user@example.org/x")
	b := MustParse("user@example.org/y")
	c := MustParse("other@example.org")
	if !a.EqualBare(b) {
		t.Error("same bare jids should compare equal")
	}
	if a.EqualBare(c) {
		t.Error("different nodes should not compare equal")
	}
}
