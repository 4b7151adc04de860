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

package daemon

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/NVIDIA/cuda-mps-manager/pkg/namespace"
)

const fallbackPollInterval = 200 * time.Millisecond

// pipeWatch signals on ready when the daemon's control pipe appears in the
// pipe directory. The appearance of that file is the readiness signal; the
// native tooling documents no other "daemon is up" indicator.
type pipeWatch struct {
	watcher *fsnotify.Watcher
	path    string

	ready  chan struct{}
	errors chan error

	once      sync.Once
	closeOnce sync.Once
	stop      chan struct{}
}

// watchForControlPipe registers a watch on pipeDir. It must be called before
// the daemon is spawned so the creation event cannot be missed.
func watchForControlPipe(pipeDir string) (*pipeWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(pipeDir); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &pipeWatch{
		watcher: watcher,
		path:    filepath.Join(pipeDir, namespace.ControlPipeName),
		ready:   make(chan struct{}),
		errors:  make(chan error, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *pipeWatch) run() {
	// The pipe may already exist, left by a daemon that re-bound faster
	// than the watch registration.
	if _, err := os.Stat(w.path); err == nil {
		w.signalReady()
		return
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == w.path && ev.Op&fsnotify.Create == fsnotify.Create {
				w.signalReady()
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
			return
		case <-w.stop:
			return
		}
	}
}

// pollFallback degrades to stat polling when the inotify watch broke.
func (w *pipeWatch) pollFallback() {
	go func() {
		ticker := time.NewTicker(fallbackPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := os.Stat(w.path); err == nil {
					w.signalReady()
					return
				}
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *pipeWatch) signalReady() {
	w.once.Do(func() { close(w.ready) })
}

func (w *pipeWatch) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
}
