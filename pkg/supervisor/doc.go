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

// Package supervisor orchestrates one MPS control daemon per GPU.
//
// The supervisor owns the id-to-daemon table and is the only place that
// table is mutated, which is what makes the exclusivity guarantee hold: a
// GPU id is either absent, reserved by an in-flight start, or bound to
// exactly one handle. Starts and stops across different GPUs run
// concurrently; a slow or failing daemon on one GPU never delays or aborts
// its siblings. Namespace allocation and daemon spawn are paired per GPU,
// with rollback on failure, so partial state is never left behind.
package supervisor
