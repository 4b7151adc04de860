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

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/cuda-mps-manager/pkg/daemon"
	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	mpserrors "github.com/NVIDIA/cuda-mps-manager/pkg/errors"
	"github.com/NVIDIA/cuda-mps-manager/pkg/namespace"
)

// Options configures a Supervisor.
type Options struct {
	// Daemon carries the control command and lifecycle timeouts applied
	// to every daemon the supervisor starts.
	Daemon daemon.Options

	// PersistNamespaces keeps pipe and log directories when daemons stop.
	PersistNamespaces bool
}

// entry pairs a live handle with the allocator that owns its namespace, so
// teardown always releases both together.
type entry struct {
	handle *daemon.Handle
	alloc  *namespace.Allocator
}

// Supervisor maps GPU ids to control daemon handles and enforces the
// exclusivity invariant: at most one live daemon per GPU at any time. The
// table and the filesystem namespaces are mutated only here, under a single
// lock; daemon handles never touch the table themselves.
type Supervisor struct {
	enum device.Enumerator
	opts Options

	mu       sync.Mutex
	table    map[int]*entry
	starting map[int]struct{}
	closed   bool
}

// New creates a Supervisor over the given device enumerator.
func New(enum device.Enumerator, opts Options) *Supervisor {
	return &Supervisor{
		enum:     enum,
		opts:     opts,
		table:    make(map[int]*entry),
		starting: make(map[int]struct{}),
	}
}

// StartAll starts control daemons for the given GPU ids, one concurrent task
// per GPU. Ids already managed are returned unchanged. Per-GPU failures do
// not abort sibling GPUs: the returned map holds every daemon that reached
// running, and the returned error aggregates the individual failures.
//
// All ids must come from the enumerator's device set; an unknown id fails
// the whole call before any state is mutated.
func (s *Supervisor) StartAll(ctx context.Context, gpuIDs []int, baseDir string) (map[int]*daemon.Handle, error) {
	devs, err := s.enum.Devices(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]device.Device, 0, len(gpuIDs))
	seen := make(map[int]struct{}, len(gpuIDs))
	for _, id := range gpuIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		d, ok := device.Find(devs, id)
		if !ok {
			return nil, mpserrors.NewWithContext(mpserrors.ErrCodeUnknownDevice,
				"device was not enumerated",
				map[string]any{"gpu": id})
		}
		targets = append(targets, d)
	}

	var (
		resMu    sync.Mutex
		results  = make(map[int]*daemon.Handle, len(targets))
		failures []error
	)

	var g errgroup.Group
	for _, dev := range targets {
		dev := dev
		g.Go(func() error {
			// Idempotence: an id already in the table is success.
			s.mu.Lock()
			if e, ok := s.table[dev.Index]; ok {
				s.mu.Unlock()
				resMu.Lock()
				results[dev.Index] = e.handle
				resMu.Unlock()
				return nil
			}
			s.mu.Unlock()

			h, err := s.startDevice(ctx, dev, baseDir)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			results[dev.Index] = h
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(failures...)
}

// Start starts one daemon. Unlike StartAll, starting an id that is already
// managed is an exclusivity violation, not a no-op.
func (s *Supervisor) Start(ctx context.Context, gpuID int, baseDir string) (*daemon.Handle, error) {
	devs, err := s.enum.Devices(ctx)
	if err != nil {
		return nil, err
	}
	dev, ok := device.Find(devs, gpuID)
	if !ok {
		return nil, mpserrors.NewWithContext(mpserrors.ErrCodeUnknownDevice,
			"device was not enumerated", map[string]any{"gpu": gpuID})
	}
	return s.startDevice(ctx, dev, baseDir)
}

// startDevice performs the per-GPU start sequence: reserve the id, allocate
// the namespace, spawn the daemon, and insert into the table only once the
// daemon is running. Any failure rolls the namespace back, so the insert is
// atomic per id.
func (s *Supervisor) startDevice(ctx context.Context, dev device.Device, baseDir string) (*daemon.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, mpserrors.New(mpserrors.ErrCodeInternal, "supervisor is shut down")
	}
	if _, ok := s.table[dev.Index]; ok {
		s.mu.Unlock()
		return nil, mpserrors.NewWithContext(mpserrors.ErrCodeAlreadyManaged,
			"a control daemon is already managed for this device",
			map[string]any{"gpu": dev.Index})
	}
	if _, ok := s.starting[dev.Index]; ok {
		s.mu.Unlock()
		return nil, mpserrors.NewWithContext(mpserrors.ErrCodeAlreadyManaged,
			"a control daemon start is already in flight for this device",
			map[string]any{"gpu": dev.Index})
	}
	s.starting[dev.Index] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, dev.Index)
		s.mu.Unlock()
	}()

	began := time.Now()
	alloc := namespace.NewAllocator(baseDir)
	ns, err := alloc.Allocate(dev)
	if err != nil {
		daemonStartsTotal.WithLabelValues(statusError).Inc()
		return nil, err
	}

	h, err := daemon.Start(ctx, dev, ns, s.opts.Daemon)
	if err != nil {
		daemonStartsTotal.WithLabelValues(statusError).Inc()
		if derr := alloc.Deallocate(ns); derr != nil {
			slog.Warn("namespace rollback failed after start error",
				"gpu", dev.Index, "error", derr)
		}
		return nil, err
	}

	s.mu.Lock()
	s.table[dev.Index] = &entry{handle: h, alloc: alloc}
	// Gauge is set under the lock so it always reflects the table it was
	// read from.
	daemonsRunning.Set(float64(len(s.table)))
	s.mu.Unlock()

	daemonStartsTotal.WithLabelValues(statusSuccess).Inc()
	daemonStartDuration.Observe(time.Since(began).Seconds())
	return h, nil
}

// Stop stops the daemon for one GPU, removes its namespace, and drops the
// table entry. Stopping an unmanaged id is a no-op.
func (s *Supervisor) Stop(ctx context.Context, gpuID int) error {
	s.mu.Lock()
	e, ok := s.table[gpuID]
	s.mu.Unlock()
	if !ok {
		slog.Debug("stop requested for unmanaged device", "gpu", gpuID)
		return nil
	}
	return s.stopEntry(ctx, gpuID, e)
}

// StopAll stops every managed daemon concurrently, best-effort: a failing
// stop does not prevent the others from being attempted, and all failures
// are reported together. Leaving a daemon running un-tracked is worse than a
// loud partial failure.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make(map[int]*entry, len(s.table))
	for id, e := range s.table {
		snapshot[id] = e
	}
	s.mu.Unlock()

	var (
		errMu    sync.Mutex
		failures []error
	)
	var g errgroup.Group
	for id, e := range snapshot {
		id, e := id, e
		g.Go(func() error {
			if err := s.stopEntry(ctx, id, e); err != nil {
				errMu.Lock()
				failures = append(failures, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(failures...)
}

// stopEntry stops one daemon and releases its namespace. The entry stays in
// the table if the process could not be terminated, so an unkillable daemon
// remains tracked.
func (s *Supervisor) stopEntry(ctx context.Context, gpuID int, e *entry) error {
	began := time.Now()
	if err := e.handle.Stop(ctx); err != nil {
		daemonStopsTotal.WithLabelValues(statusError).Inc()
		return err
	}
	daemonStopsTotal.WithLabelValues(statusSuccess).Inc()
	daemonStopDuration.Observe(time.Since(began).Seconds())

	var deallocErr error
	if !s.opts.PersistNamespaces {
		deallocErr = e.alloc.Deallocate(e.handle.Namespace)
	}

	s.mu.Lock()
	if s.table[gpuID] == e {
		delete(s.table, gpuID)
	}
	daemonsRunning.Set(float64(len(s.table)))
	s.mu.Unlock()

	return deallocErr
}

// Status returns a snapshot of every managed daemon's state, reconciling
// daemons that died outside the supervisor's control.
func (s *Supervisor) Status() map[int]daemon.State {
	s.mu.Lock()
	snapshot := make(map[int]*entry, len(s.table))
	for id, e := range s.table {
		snapshot[id] = e
	}
	s.mu.Unlock()

	states := make(map[int]daemon.State, len(snapshot))
	for id, e := range snapshot {
		states[id] = e.handle.Poll()
	}
	return states
}

// Handles returns the currently managed handles keyed by GPU id.
func (s *Supervisor) Handles() map[int]*daemon.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*daemon.Handle, len(s.table))
	for id, e := range s.table {
		out[id] = e.handle
	}
	return out
}

// Reap removes entries whose daemons have failed, releasing their
// namespaces, and returns the affected GPU ids.
func (s *Supervisor) Reap(ctx context.Context) []int {
	var reaped []int
	for id, state := range s.Status() {
		if state != daemon.StateFailed {
			continue
		}

		s.mu.Lock()
		e, ok := s.table[id]
		s.mu.Unlock()
		if !ok {
			continue
		}

		daemonDeathsTotal.Inc()
		// Stop on a failed handle only settles bookkeeping; the process
		// is already gone.
		if err := e.handle.Stop(ctx); err != nil {
			slog.Error("failed to settle dead daemon", "gpu", id, "error", err)
			continue
		}
		if !s.opts.PersistNamespaces {
			if err := e.alloc.Deallocate(e.handle.Namespace); err != nil {
				slog.Warn("failed to remove namespace of dead daemon",
					"gpu", id, "error", err)
			}
		}

		s.mu.Lock()
		if s.table[id] == e {
			delete(s.table, id)
		}
		daemonsRunning.Set(float64(len(s.table)))
		s.mu.Unlock()

		reaped = append(reaped, id)
	}
	return reaped
}

// Close is the supervisor's finalizer: it stops every tracked daemon and
// deallocates every namespace, then refuses further starts. The CLI layer
// invokes it on every exit path, normal or signal-triggered, so no daemon
// outlives its manager holding a GPU hostage.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	slog.Info("supervisor shutting down, stopping all daemons")
	return s.StopAll(ctx)
}
