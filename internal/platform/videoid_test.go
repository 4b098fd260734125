package platform

import "testing"

func TestParseVideoID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare id", "dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"padded id", "  dQw4w9WgXcQ\n", "dQw4w9WgXcQ"},
		{"short host", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short host no scheme", "youtu.be/dQw4w9WgXcQ?t=3", "dQw4w9WgXcQ"},
		{"watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&feature=share", "dQw4w9WgXcQ"},
		{"mobile watch url", "m.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"live url", "https://youtube.com/live/dQw4w9WgXcQ/", "dQw4w9WgXcQ"},
		{"shorts url", "https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseVideoID(tc.in)
			if err != nil {
				t.Fatalf("ParseVideoID(%q) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseVideoID(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseVideoIDRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"short",
		"@creator",
		"https://www.youtube.com/@creator/live",
		"https://example.com/watch?v=dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=bad!id$$$$$",
		"https://www.youtube.com/watch",
	} {
		if got, err := ParseVideoID(in); err == nil {
			t.Fatalf("ParseVideoID(%q) = %q; want error", in, got)
		}
	}
}
