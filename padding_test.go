package onepad

import (
	"sort"
	"testing"
)

func TestPaddingLengthMedian(t *testing.T) {
	rng, err := NewChaChaRandom([]byte("padding"))
	if err != nil {
		t.Fatal(err)
	}
	const n = 2001
	ls := make([]int, n)
	for i := range ls {
		if ls[i], err = paddingLength(128, 70, rng); err != nil {
			t.Fatal(err)
		}
		if ls[i] < 1 {
			t.Fatalf("padding length %d", ls[i])
		}
	}
	sort.Ints(ls)
	if m := ls[n/2]; m < 100 || m > 165 {
		t.Errorf("median padding %d, want about 128", m)
	}
}

func TestPaddingLengthFixed(t *testing.T) {
	rng, _ := NewChaChaRandom([]byte("fixed"))
	for i := 0; i < 100; i++ {
		l, err := paddingLength(1, 0, rng)
		if err != nil {
			t.Fatal(err)
		}
		if l != 1 {
			t.Fatalf("got %d, want 1 with zero spread", l)
		}
	}
}

func TestPaddingLead(t *testing.T) {
	rng, _ := NewChaChaRandom([]byte("lead"))
	for i := 0; i < 2000; i++ {
		b, err := paddingLead(rng)
		if err != nil {
			t.Fatal(err)
		}
		if b != 0 && b <= reservedTypeMax {
			t.Fatalf("lead byte %d is a container type", b)
		}
	}
}

func TestChaChaRandomDeterministic(t *testing.T) {
	a, _ := NewChaChaRandom([]byte("seed"))
	b, _ := NewChaChaRandom([]byte("seed"))
	x, _ := a.Bytes(64)
	y, _ := b.Bytes(64)
	if string(x) != string(y) {
		t.Fatal("same seed gave different streams")
	}
	if err := a.Reseed(); err != nil {
		t.Fatal(err)
	}
	x, _ = a.Bytes(64)
	y, _ = b.Bytes(64)
	if string(x) == string(y) {
		t.Fatal("reseed did not change the stream")
	}
	for i := 0; i < 1000; i++ {
		v, err := a.Intn(7)
		if err != nil || v < 0 || v >= 7 {
			t.Fatalf("Intn(7) = %d, %v", v, err)
		}
		f, err := a.Float64()
		if err != nil || f < 0 || f >= 1 {
			t.Fatalf("Float64() = %v, %v", f, err)
		}
	}
}
