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

// Package device enumerates the host's NVIDIA GPUs for MPS management.
//
// The production Enumerator is backed by NVML (go-nvml). Devices below
// compute capability 3.5 are filtered from results rather than raised as
// errors; only an empty result is an error, so callers always receive a
// usable device set or a single enumeration failure.
//
// The Enumerator interface exists so the supervisor and its tests can inject
// a fake device list without NVML or GPU hardware present.
package device
