package broker

import "testing"

func TestDurableName(t *testing.T) {
	cases := map[string]string{
		"lattice.evt.default": "weft_lattice_evt_default",
		"weft.cmd.default":    "weft_weft_cmd_default",
		"lattice.evt.acme-1":  "weft_lattice_evt_acme_1",
	}
	for subject, want := range cases {
		if got := DurableName(subject); got != want {
			t.Fatalf("DurableName(%q) = %q, want %q", subject, got, want)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	match := [][2]string{
		{"lattice.evt.default", "lattice.evt.default"},
		{"lattice.evt.*", "lattice.evt.default"},
		{"lattice.evt.>", "lattice.evt.default"},
		{"lattice.>", "lattice.evt.default.extra"},
		{">", "anything"},
	}
	for _, c := range match {
		if !MatchSubject(c[0], c[1]) {
			t.Fatalf("expected %q to match %q", c[1], c[0])
		}
	}
	noMatch := [][2]string{
		{"lattice.evt.default", "lattice.evt.other"},
		{"lattice.evt.*", "lattice.evt.default.extra"},
		{"lattice.evt.>", "lattice.evt"},
		{"lattice.evt", "lattice.evt.default"},
	}
	for _, c := range noMatch {
		if MatchSubject(c[0], c[1]) {
			t.Fatalf("expected %q not to match %q", c[1], c[0])
		}
	}
}
