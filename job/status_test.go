package job

import "testing"

func TestStatusStringRoundTrip(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{Unknown, "Unknown"},
		{Waiting, "Waiting"},
		{Reserved, "Reserved"},
		{Done, "Done"},
	}

	for _, c := range cases {
		if got := c.status.String(); got != c.want {
			t.Errorf("Status(%d).String() = %q, want %q", c.status, got, c.want)
		}

		parsed, err := ParseStatus(c.want)
		if err != nil {
			t.Fatalf("ParseStatus(%q) returned error: %v", c.want, err)
		}
		if parsed != c.status {
			t.Errorf("ParseStatus(%q) = %v, want %v", c.want, parsed, c.status)
		}
	}
}

func TestParseStatusUnknownString(t *testing.T) {
	if _, err := ParseStatus("Bogus"); err == nil {
		t.Fatal("expected error for unrecognized status string")
	}
}

func TestStatusMarshalUnmarshalText(t *testing.T) {
	s := Reserved
	text, err := s.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(text) != "Reserved" {
		t.Fatalf("MarshalText = %q, want %q", text, "Reserved")
	}

	var parsed Status
	if err := parsed.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed != Reserved {
		t.Errorf("UnmarshalText result = %v, want Reserved", parsed)
	}
}

func TestStatusZeroValueIsUnknown(t *testing.T) {
	var s Status
	if s != Unknown {
		t.Errorf("zero value = %v, want Unknown", s)
	}
}
