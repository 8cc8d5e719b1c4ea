package codec

import "testing"

type samplePayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func TestJSONEncodeDecode(t *testing.T) {
	c := JSON{}
	in := samplePayload{To: "a@example.com", Subject: "hi"}

	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out samplePayload
	if err := c.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("Decode = %+v, want %+v", out, in)
	}
}

func TestJSONDecodeIntoMap(t *testing.T) {
	data, err := JSON{}.Encode(map[string]any{"to": "a@example.com"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out map[string]any
	if err := JSON{}.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out["to"] != "a@example.com" {
		t.Errorf("Decode = %+v", out)
	}
}
