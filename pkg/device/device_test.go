package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
	"github.com/NVIDIA/cuda-mps-manager/pkg/version"
)

func TestSupported(t *testing.T) {
	tests := []struct {
		name string
		dev  Device
		opts Options
		want bool
	}{
		{
			name: "modern datacenter gpu",
			dev:  Device{Index: 0, Name: "NVIDIA H100 80GB HBM3", ComputeCapability: version.New(9, 0)},
			want: true,
		},
		{
			name: "exactly at minimum",
			dev:  Device{Index: 0, Name: "Tesla K40", ComputeCapability: version.New(3, 5)},
			want: true,
		},
		{
			name: "below minimum",
			dev:  Device{Index: 0, Name: "Tesla K10", ComputeCapability: version.New(3, 0)},
			want: false,
		},
		{
			name: "name filter rejects geforce",
			dev:  Device{Index: 0, Name: "GeForce RTX 4090", ComputeCapability: version.New(8, 9)},
			opts: Options{RequireTeslaOrQuadro: true},
			want: false,
		},
		{
			name: "name filter accepts quadro",
			dev:  Device{Index: 0, Name: "Quadro GV100", ComputeCapability: version.New(7, 0)},
			opts: Options{RequireTeslaOrQuadro: true},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Supported(tt.dev, tt.opts))
		})
	}
}

func TestFilter(t *testing.T) {
	devs := []Device{
		{Index: 0, Name: "Tesla V100", ComputeCapability: version.New(7, 0)},
		{Index: 1, Name: "Tesla K10", ComputeCapability: version.New(3, 0)},
		{Index: 2, Name: "NVIDIA A100", ComputeCapability: version.New(8, 0)},
	}

	got, err := Filter(devs, Options{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
}

func TestFilterEmptyResult(t *testing.T) {
	devs := []Device{
		{Index: 0, Name: "Tesla K10", ComputeCapability: version.New(3, 0)},
	}

	_, err := Filter(devs, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEnumeration))
}

func TestFind(t *testing.T) {
	devs := []Device{{Index: 0}, {Index: 3}}

	d, ok := Find(devs, 3)
	require.True(t, ok)
	assert.Equal(t, 3, d.Index)

	_, ok = Find(devs, 1)
	assert.False(t, ok)
}
