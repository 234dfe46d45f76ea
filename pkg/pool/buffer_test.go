package pool

import "testing"

func TestNewBuckets_Panics(t *testing.T) {
	testCases := []struct {
		name     string
		min, max int64
	}{
		{"Min not power of two", 1000, 4096},
		{"Max not power of two", 1024, 4097},
		{"Max below min", 4096, 1024},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic for min=%d max=%d", tc.min, tc.max)
				}
			}()
			NewBuckets(tc.min, tc.max)
		})
	}
}

func TestBuckets_Get(t *testing.T) {
	b := NewBuckets(1024, 16384)

	tests := []struct {
		name    string
		reqSize int64
		wantLen int
		wantCap int
	}{
		{"Zero", 0, 0, 0},
		{"Negative", -1, 0, 0},
		{"Tiny", 10, 10, 1024},
		{"ExactMin", 1024, 1024, 1024},
		{"Between", 2000, 2000, 2048},
		{"ExactMax", 16384, 16384, 16384},
		{"TooBig", 20000, 20000, 20000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bufPtr := b.Get(tt.reqSize)
			if bufPtr == nil {
				t.Fatal("Get returned nil")
			}
			if len(*bufPtr) != tt.wantLen {
				t.Errorf("got len %d, want %d", len(*bufPtr), tt.wantLen)
			}
			if cap(*bufPtr) < tt.wantCap {
				t.Errorf("got cap %d, want >= %d", cap(*bufPtr), tt.wantCap)
			}
			b.Put(bufPtr)
		})
	}
}

func TestBuckets_PutRejectsForeignSlices(t *testing.T) {
	b := NewBuckets(1024, 4096)
	for _, size := range []int{512, 2000, 8192} {
		buf := make([]byte, size)
		b.Put(&buf)
	}
	b.Put(nil)

	got := b.Get(1500)
	if cap(*got) != 2048 {
		t.Errorf("expected a 2048 byte class slice, got cap %d", cap(*got))
	}
}

func TestFixed(t *testing.T) {
	f := NewFixed(1024)

	ptr := f.Get()
	if len(*ptr) != 1024 || cap(*ptr) != 1024 {
		t.Errorf("got len %d cap %d, want 1024/1024", len(*ptr), cap(*ptr))
	}
	*ptr = (*ptr)[:10]
	f.Put(ptr)

	again := f.Get()
	if len(*again) != 1024 {
		t.Errorf("Put must restore full length, got %d", len(*again))
	}

	small := make([]byte, 10)
	f.Put(&small)
	f.Put(nil)
}
