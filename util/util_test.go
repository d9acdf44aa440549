package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, b, up, down uint64 }{
		{0, 4096, 0, 0},
		{1, 4096, 4096, 0},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 8192, 4096},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.up {
			t.Fatalf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Fatalf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestNextLog2(t *testing.T) {
	cases := []struct {
		v    uint64
		want uint
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 2},
		{4096, 12},
		{4097, 13},
		{65536, 16},
	}
	for _, c := range cases {
		if got := NextLog2(c.v); got != c.want {
			t.Fatalf("NextLog2(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestIsPow2(t *testing.T) {
	for _, v := range []uint64{1, 2, 4, 4096} {
		if !IsPow2(v) {
			t.Fatalf("IsPow2(%d) = false, want true", v)
		}
	}
	for _, v := range []uint64{0, 3, 5, 4095} {
		if IsPow2(v) {
			t.Fatalf("IsPow2(%d) = true, want false", v)
		}
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 5) != 5 {
		t.Fatal("Max wrong")
	}
}
