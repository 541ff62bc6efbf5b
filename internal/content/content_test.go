package content

import "testing"

func TestComputeDeterministic(t *testing.T) {
	t.Parallel()

	p := Payload{Kind: KindPhoto, Caption: "hello", Data: []byte{1, 2, 3}}
	if Compute(p) != Compute(p) {
		t.Fatalf("fingerprint not stable")
	}
	if len(Compute(p)) != 64 {
		t.Fatalf("expected hex sha256, got %q", Compute(p))
	}
}

func TestComputeDistinguishes(t *testing.T) {
	t.Parallel()

	base := Payload{Kind: KindPhoto, Caption: "hello", Data: []byte{1, 2, 3}}
	cases := []struct {
		name string
		p    Payload
	}{
		{"kind", Payload{Kind: KindDocument, Caption: "hello", Data: []byte{1, 2, 3}}},
		{"caption", Payload{Kind: KindPhoto, Caption: "hello!", Data: []byte{1, 2, 3}}},
		{"data", Payload{Kind: KindPhoto, Caption: "hello", Data: []byte{1, 2, 4}}},
		{"boundary", Payload{Kind: KindPhoto, Caption: "hello\x01", Data: []byte{2, 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if Compute(tc.p) == Compute(base) {
				t.Fatalf("expected different fingerprint")
			}
		})
	}
}

func TestComputeIgnoresCaptionWhitespace(t *testing.T) {
	t.Parallel()

	a := Payload{Kind: KindText, Caption: "  breaking   news\r\nmore\t text "}
	b := Payload{Kind: KindText, Caption: "breaking news\nmore text"}
	if Compute(a) != Compute(b) {
		t.Fatalf("normalized captions should fingerprint equal")
	}
}

func TestNormalizeCaption(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":             "",
		"  a  ":        "a",
		"a\r\nb":       "a\nb",
		"a \t b\n\n c": "a b\n\nc",
		" x y ":        "x y",
	}
	for in, want := range cases {
		if got := NormalizeCaption(in); got != want {
			t.Fatalf("NormalizeCaption(%q)=%q want %q", in, got, want)
		}
	}
}

func TestKindValid(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindText, KindPhoto, KindVideo, KindDocument} {
		if !k.Valid() {
			t.Fatalf("%s should be valid", k)
		}
	}
	if Kind("sticker").Valid() {
		t.Fatalf("sticker should not be valid")
	}
	if KindText.IsMedia() || !KindVideo.IsMedia() {
		t.Fatalf("IsMedia mismatch")
	}
}
