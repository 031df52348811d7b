package wplog

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":        LevelDefault,
		"default": LevelDefault,
		"medium":  LevelMedium,
		"high":    LevelHigh,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Errorf("expected an error for an unknown level")
	}
}
