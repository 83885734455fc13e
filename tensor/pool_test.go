package tensor

import (
	"strings"
	"sync"
	"testing"
)

func TestBucketSize(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {16, 16}, {17, 32}, {1000, 1024}, {1025, 2048},
	}
	for _, tc := range tests {
		if got := bucketSize(tc.in); got != tc.want {
			t.Errorf("bucketSize(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestScratchPoolGetPut(t *testing.T) {
	p := NewScratchPool()

	buf := p.Get(100)
	if len(buf) != 100 || cap(buf) != 128 {
		t.Fatalf("got len=%d cap=%d, want 100/128", len(buf), cap(buf))
	}
	for i := range buf {
		buf[i] = 7
	}
	p.Put(buf)

	again := p.Get(90)
	if len(again) != 90 {
		t.Fatalf("len = %d, want 90", len(again))
	}
	for i, v := range again {
		if v != 0 {
			t.Fatalf("recycled buffer not cleared at %d: %v", i, v)
		}
	}
	p.Put(again)

	s := p.Stats()[128]
	if s.Gets != 2 || s.Puts != 2 || s.InUse != 0 || s.MaxInUse != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if !strings.Contains(p.String(), "128:") {
		t.Fatalf("String() missing bucket: %s", p.String())
	}
}

func TestScratchPoolIgnoresForeignBuffers(t *testing.T) {
	p := NewScratchPool()
	p.Put(make([]float32, 10))
	p.Put(make([]float32, 64))
	if n := len(p.Stats()); n != 0 {
		t.Fatalf("expected no buckets, got %d", n)
	}
}

func TestScratchPoolConcurrent(t *testing.T) {
	p := NewScratchPool()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				buf := p.Get(32 + i)
				buf[0] = 1
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
	for size, s := range p.Stats() {
		if s.InUse != 0 || s.Gets != s.Puts {
			t.Errorf("bucket %d unbalanced: %+v", size, s)
		}
	}
}
