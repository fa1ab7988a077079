// Copyright 2026 Blink Labs Software
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

package history

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

type ArchiveOptionFunc func(*Archive)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) ArchiveOptionFunc {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) ArchiveOptionFunc {
	return func(a *Archive) {
		a.promRegistry = registry
	}
}

// WithDataDir specifies the directory holding the history database. It is
// created if missing. The default is an in-memory database.
func WithDataDir(dataDir string) ArchiveOptionFunc {
	return func(a *Archive) {
		a.dataDir = dataDir
	}
}

// WithQueueSize specifies how many events may wait for the archive worker
// before further events are dropped
func WithQueueSize(size int) ArchiveOptionFunc {
	return func(a *Archive) {
		if size > 0 {
			a.queueSize = size
		}
	}
}
