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
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
	"github.com/NVIDIA/cuda-mps-manager/pkg/version"
)

// NVMLEnumerator enumerates GPUs through the NVIDIA Management Library.
// Each Devices call initializes and shuts down NVML, so the enumerator holds
// no state between calls.
type NVMLEnumerator struct {
	Opts Options
}

// NewNVMLEnumerator creates an NVML-backed enumerator.
func NewNVMLEnumerator(opts Options) *NVMLEnumerator {
	return &NVMLEnumerator{Opts: opts}
}

// Devices returns the MPS-capable GPUs on the host in index order.
func (e *NVMLEnumerator) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errors.Newf(errors.ErrCodeEnumeration,
			"failed to initialize NVML (is the NVIDIA driver installed?): %s", nvml.ErrorString(ret))
	}
	defer func() {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			slog.Warn("NVML shutdown failed", "error", nvml.ErrorString(ret))
		}
	}()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errors.Newf(errors.ErrCodeEnumeration,
			"failed to count devices: %s", nvml.ErrorString(ret))
	}
	if count == 0 {
		return nil, errors.New(errors.ErrCodeEnumeration, "no GPU devices present")
	}

	devs := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, errors.NewWithContext(errors.ErrCodeEnumeration,
				"failed to get device handle",
				map[string]any{"gpu": i, "cause": nvml.ErrorString(ret)})
		}

		d := Device{Index: i}

		if uuid, ret := dev.GetUUID(); ret == nvml.SUCCESS {
			d.UUID = uuid
		} else {
			slog.Warn("could not read device UUID, falling back to index addressing",
				"gpu", i, "error", nvml.ErrorString(ret))
		}

		if name, ret := dev.GetName(); ret == nvml.SUCCESS {
			d.Name = name
		}

		major, minor, ret := dev.GetCudaComputeCapability()
		if ret != nvml.SUCCESS {
			return nil, errors.NewWithContext(errors.ErrCodeEnumeration,
				"failed to read compute capability",
				map[string]any{"gpu": i, "cause": nvml.ErrorString(ret)})
		}
		d.ComputeCapability = version.New(major, minor)

		devs = append(devs, d)
	}

	return Filter(devs, e.Opts)
}
