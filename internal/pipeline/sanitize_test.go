package pipeline

import "testing"

func TestSanitizeRef(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"12345/abc def", "12345_abc_def"},
		{"abc123", "abc123"},
		{"path/to:ref?x=1", "path_to_ref_x_1"},
		{"a-b_c", "a-b_c"},
		{"", ""},
		{"..", "__"},
	}
	for _, tc := range cases {
		if got := SanitizeRef(tc.input); got != tc.want {
			t.Errorf("SanitizeRef(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSanitizeRefIsFixedPoint(t *testing.T) {
	input := "a/b?c d"
	once := SanitizeRef(input)
	if twice := SanitizeRef(once); twice != once {
		t.Fatalf("SanitizeRef not idempotent: %q -> %q", once, twice)
	}
}
