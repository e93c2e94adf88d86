package acfio

import "testing"

func TestDecodeEncodeRoundTrip(t *testing.T) {
	raw := `[SYSTEM]
BACKPLANE_TYPE=1

[CONFIG]
PARAMETER1=ExposureTime=1000
MOD1\PARAM=1,2,3
`
	doc, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if doc.System["BACKPLANE_TYPE"] != "1" {
		t.Fatalf("unexpected system section: %#v", doc.System)
	}

	var mod1 *KV
	for i := range doc.Config {
		if doc.Config[i].Key == "MOD1/PARAM" {
			mod1 = &doc.Config[i]
		}
	}
	if mod1 == nil {
		t.Fatalf("expected MOD1/PARAM key after unescaping, got %#v", doc.Config)
	}

	out, err := Encode(doc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(out)
	if err != nil {
		t.Fatalf("re-Decode encoded doc: %v", err)
	}
	if len(back.Config) != len(doc.Config) {
		t.Fatalf("round trip lost entries: %d != %d", len(back.Config), len(doc.Config))
	}
}

func TestParseKeywordLine(t *testing.T) {
	kv, err := ParseKeywordLine("MOD1/PARAM=1,2,3")
	if err != nil {
		t.Fatalf("ParseKeywordLine: %v", err)
	}
	if kv.Key != "MOD1/PARAM" || kv.Value != "1,2,3" {
		t.Fatalf("unexpected parse result: %#v", kv)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	doc := &Document{Config: []KV{{Key: "K", Value: "a,b"}}}
	out, err := Encode(doc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := `K="a,b"`; !contains(out, want) {
		t.Fatalf("expected quoted value %q in output:\n%s", want, out)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
