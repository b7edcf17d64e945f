package sanitize

import "testing"

func TestText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"strips tags", "<script>alert(1)</script>hello", "hello"},
		{"strips nested markup", "<b>bold <i>and italic</i></b>", "bold and italic"},
		{"decodes entities", "Tom &amp; Jerry", "Tom & Jerry"},
		{"keeps angle text", "a &lt; b", "a < b"},
		{"trims whitespace", "  padded  ", "padded"},
		{"empty", "", ""},
		{"unicode untouched", "Grüße aus Köln", "Grüße aus Köln"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Text(tt.input); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestOneline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"collapses newlines", "first\nsecond", "first second"},
		{"collapses runs", "a \t b\r\n  c", "a b c"},
		{"strips markup first", "<p>one</p>\n<p>two</p>", "one two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Oneline(tt.input); got != tt.want {
				t.Errorf("Oneline(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"under limit", "short", 10, "short"},
		{"at limit", "exact", 5, "exact"},
		{"over limit", "overflowing", 4, "over"},
		{"multibyte preserved", "grüße", 3, "grü"},
		{"zero max", "anything", 0, ""},
		{"negative max", "anything", -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Truncate(tt.input, tt.max); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
			}
		})
	}
}
