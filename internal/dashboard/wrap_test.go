package dashboard

import "testing"

func TestWrapLineShortUnchanged(t *testing.T) {
	if got := wrapLine("09:30:00 ok", 40, logIndent); got != "09:30:00 ok" {
		t.Fatalf("unexpected wrap %q", got)
	}
}

func TestWrapLineBreaksAtSpace(t *testing.T) {
	got := wrapLine("09:30:00 pausing print now", 20, logIndent)
	want := "09:30:00 pausing\n         print now"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestWrapLineHardBreaksLongWord(t *testing.T) {
	got := wrapLine("abcdefghij", 4, "")
	if got != "abcd\nefgh\nij" {
		t.Fatalf("unexpected hard wrap %q", got)
	}
}

func TestWrapLineWideRunes(t *testing.T) {
	got := wrapLine("ベンチ ベンチ", 8, "")
	if got != "ベンチ\nベンチ" {
		t.Fatalf("unexpected wide wrap %q", got)
	}
}

func TestWrapLogJoinsLines(t *testing.T) {
	got := wrapLog([]string{"a b", "c"}, 10)
	if got != "a b\nc" {
		t.Fatalf("unexpected log %q", got)
	}
}
