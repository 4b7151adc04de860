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

// Package errors provides the structured error taxonomy shared by the MPS
// supervisor components.
//
// Each error carries a machine-readable ErrorCode for programmatic handling
// (CLI exit paths, tests, metrics labels), a human-readable message, and an
// optional cause plus context map. Device-scoped failures always include the
// GPU id in the context so a partial failure of a multi-GPU operation can be
// attributed and cleaned up manually.
//
// Usage:
//
//	if err := alloc.Allocate(gpu); err != nil {
//	    return errors.WrapWithContext(errors.ErrCodeNamespace,
//	        "failed to allocate namespace", err,
//	        map[string]any{"gpu": gpu.Index})
//	}
//
// Checking a code:
//
//	if errors.IsCode(err, errors.ErrCodeAlreadyManaged) {
//	    // another daemon already owns this GPU
//	}
package errors
