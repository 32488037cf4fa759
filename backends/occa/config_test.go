package occa

import (
	"testing"

	"github.com/notargets/DGRuntime/platform"
	"github.com/stretchr/testify/assert"
)

func TestStructBytesPadsToAllocSize(t *testing.T) {
	tests := []struct {
		name string
		arg  platform.KernelArg
		want []byte
	}{
		{"Aligned", platform.StructArg([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 8), []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"Padded", platform.StructArg([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 8),
			[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0, 0, 0, 0}},
		{"Empty", platform.StructArg(nil, 8), []byte{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, structBytes(tt.arg))
		})
	}

	// the caller's bytes are not aliased
	data := []byte{9, 9, 9, 9}
	buf := structBytes(platform.StructArg(data, 4))
	buf[0] = 0
	assert.Equal(t, byte(9), data[0])
}
