package process

import (
	"strings"
	"testing"
)

func TestReadLinesCutsOversizedLines(t *testing.T) {
	in := strings.Repeat("x", 200) + "\n" + "short\r\n\n" + "tail"
	var got []string
	if err := ReadLines(strings.NewReader(in), 64, func(l string) { got = append(got, l) }); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{strings.Repeat("x", 64), "short", "", "tail"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestReadLinesLongerThanReaderBuffer(t *testing.T) {
	in := strings.Repeat("y", 300*1024) + "\nerror: linker cc not found\n"
	var got []string
	if err := ReadLines(strings.NewReader(in), 0, func(l string) { got = append(got, l) }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || len(got[0]) != 300*1024 || got[1] != "error: linker cc not found" {
		t.Fatalf("unexpected lines: %d %d", len(got), len(got[0]))
	}
}
