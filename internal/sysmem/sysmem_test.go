package sysmem

import "testing"

func TestAlloc(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		align int
	}{
		{"unaligned", 100, 1},
		{"zero align", 100, 0},
		{"16", 4096, 16},
		{"64", 17, 64},
		{"page", 3, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Alloc(tt.size, tt.align)
			if len(b) != tt.size {
				t.Fatalf("len = %d, want %d", len(b), tt.size)
			}
			if cap(b) != tt.size {
				t.Errorf("cap = %d, want %d", cap(b), tt.size)
			}
			if !IsAligned(b, tt.align) {
				t.Errorf("slice not aligned to %d", tt.align)
			}
			for i, v := range b {
				if v != 0 {
					t.Fatalf("b[%d] = %d, want zeroed memory", i, v)
				}
			}
		})
	}
}

func TestAllocEmpty(t *testing.T) {
	if b := Alloc(0, 16); b != nil {
		t.Errorf("Alloc(0) = %v, want nil", b)
	}
	if b := Alloc(-1, 16); b != nil {
		t.Errorf("Alloc(-1) = %v, want nil", b)
	}
}
