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

// Package logging provides structured logging for the MPS manager.
//
// It wraps the standard library slog package with project defaults:
// JSON output to stderr, module/version context on every record, the
// LOG_LEVEL environment variable as the default level source, and source
// location tracking when the debug level is active.
//
// Setting the default logger (recommended, early in main):
//
//	logging.SetDefaultStructuredLoggerWithLevel("mpsctl", version, logLevel)
//	slog.Info("starting", "devices", ids)
//
// Supported levels (case-insensitive): debug, info, warn/warning, error.
// Unknown or empty values fall back to info.
package logging
