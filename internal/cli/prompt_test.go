package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
		wantErr    bool
	}{
		{"yes", "y\n", false, true, false},
		{"long yes", "YES\n", false, true, false},
		{"no", "n\n", true, false, false},
		{"default no", "\n", false, false, false},
		{"default yes", "\n", true, true, false},
		{"anything else is no", "maybe\n", true, false, false},
		{"answer without newline", "y", false, true, false},
		{"closed input", "", true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := NewPrompter(strings.NewReader(tt.input), &out).Confirm("Prune?", tt.defaultYes)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Confirm() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfirm_Suffix(t *testing.T) {
	var out bytes.Buffer
	_, _ = NewPrompter(strings.NewReader("\n"), &out).Confirm("Prune?", true)
	if out.String() != "Prune? [Y/n] " {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestSelect(t *testing.T) {
	options := []SelectOption{
		{Value: "alpha", Label: "Alpha session"},
		{Value: "beta", Label: "Beta session"},
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"first", "1\n", "alpha", false},
		{"second", "2\n", "beta", false},
		{"cancel", "q\n", "", false},
		{"empty cancels", "\n", "", false},
		{"out of range", "3\n", "", true},
		{"not a number", "beta\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := NewPrompter(strings.NewReader(tt.input), &out).Select("Pick one:", options)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Select() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Select() = %q, want %q", got, tt.want)
			}
			if !strings.Contains(out.String(), "  2) Beta session") {
				t.Errorf("options not listed:\n%s", out.String())
			}
		})
	}
}

func TestSelect_NoOptions(t *testing.T) {
	_, err := NewPrompter(strings.NewReader("1\n"), &bytes.Buffer{}).Select("Pick one:", nil)
	if err == nil {
		t.Error("expected error for empty options")
	}
}
