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

// Package namespace manages the per-GPU filesystem namespace an MPS control
// daemon needs: a pipe directory, a log directory, and the exact three
// environment variables (CUDA_VISIBLE_DEVICES, CUDA_MPS_PIPE_DIRECTORY,
// CUDA_MPS_LOG_DIRECTORY) that bind a daemon and its clients to them.
//
// Paths are deterministic per GPU index under a caller-supplied base
// directory. Each namespace carries an owner record so that directories left
// behind by an unclean shutdown can be reclaimed safely, while directories
// still owned by a live process, or still containing a daemon's control
// pipe, fail allocation instead of being shared.
package namespace
