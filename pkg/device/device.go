// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"context"
	"strings"

	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
	"github.com/NVIDIA/cuda-mps-manager/pkg/version"
)

// MinComputeCapability is the minimum compute capability MPS supports.
var MinComputeCapability = version.New(3, 5)

// Device describes one physical GPU. Index is the host-scoped identifier the
// supervisor keys on; UUID is stable across reorderings and preferred for
// CUDA_VISIBLE_DEVICES when available.
type Device struct {
	Index             int             `json:"index" yaml:"index"`
	UUID              string          `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Name              string          `json:"name,omitempty" yaml:"name,omitempty"`
	ComputeCapability version.Version `json:"computeCapability" yaml:"computeCapability"`
}

// Options controls which enumerated devices are considered usable.
type Options struct {
	// RequireTeslaOrQuadro restricts results to Tesla and Quadro products,
	// the legacy MPS support matrix. Off by default; modern drivers support
	// MPS on all datacenter parts.
	RequireTeslaOrQuadro bool
}

// Enumerator lists the GPUs available on the host. Implementations are
// read-only queries with no side effects.
type Enumerator interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Supported reports whether a device can run an MPS control daemon under the
// given options. Unsupported devices are filtered, not surfaced as errors.
func Supported(d Device, opts Options) bool {
	if !d.ComputeCapability.EqualsOrNewer(MinComputeCapability) {
		return false
	}
	if opts.RequireTeslaOrQuadro &&
		!strings.Contains(d.Name, "Tesla") && !strings.Contains(d.Name, "Quadro") {
		return false
	}
	return true
}

// Filter returns the subset of devs usable for MPS. It fails with an
// enumeration error only when nothing survives the filter, so a host with a
// single old display GPU next to usable compute GPUs still enumerates.
func Filter(devs []Device, opts Options) ([]Device, error) {
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		if Supported(d, opts) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, errors.NewWithContext(errors.ErrCodeEnumeration,
			"no MPS-capable devices found",
			map[string]any{"enumerated": len(devs), "minCapability": MinComputeCapability.String()})
	}
	return out, nil
}

// Find returns the device with the given index from devs.
func Find(devs []Device, index int) (Device, bool) {
	for _, d := range devs {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}
