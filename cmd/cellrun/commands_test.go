package main

import "testing"

func TestShortID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "-"},
		{"abc", "abc"},
		{"0f8fad5b-d9cb-469f-a165-70867728950e", "0f8fad5b"},
	}
	for _, tt := range tests {
		if got := shortID(tt.in); got != tt.want {
			t.Errorf("shortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatMs(t *testing.T) {
	if got := formatMs(1500); got != "1.5s" {
		t.Errorf("formatMs(1500) = %q, want 1.5s", got)
	}
	if got := formatMs(0); got != "0s" {
		t.Errorf("formatMs(0) = %q, want 0s", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"run": false, "tui": false, "serve": false, "targets": false, "runs": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
