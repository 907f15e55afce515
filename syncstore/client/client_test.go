// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/weft/syncstore/types"
)

// recordingReconciler captures which reconciliation paths were taken.
type recordingReconciler struct {
	mu          sync.Mutex
	initial     []*types.SyncResponse
	incremental []*types.SyncResponse
	presence    int
	toDevice    int
}

func (r *recordingReconciler) ApplyInitialSync(payload *types.SyncResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initial = append(r.initial, payload)
}

func (r *recordingReconciler) ApplyIncrementalSync(payload *types.SyncResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incremental = append(r.incremental, payload)
}

func (r *recordingReconciler) UpdatePresenceFromSync(*types.SyncResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence++
}

func (r *recordingReconciler) RouteToDeviceEvents(*types.SyncResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toDevice++
}

func TestRunRoutesInitialThenIncremental(t *testing.T) {
	var (
		mu     sync.Mutex
		sinces []string
	)
	cancelAfter := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		assert.NotEmpty(t, req.URL.Query().Get("filter"))

		mu.Lock()
		sinces = append(sinces, req.URL.Query().Get("since"))
		n := len(sinces)
		mu.Unlock()

		switch {
		case n == 1:
			w.Write([]byte(`{"next_batch":"batch-1"}`)) // nolint: errcheck
		case n == 2:
			w.Write([]byte(`{"next_batch":"batch-2"}`)) // nolint: errcheck
		case n == 3:
			close(cancelAfter)
			fallthrough
		default:
			w.Write([]byte(`{"next_batch":"batch-3"}`)) // nolint: errcheck
		}
	}))
	defer srv.Close()

	target := &recordingReconciler{}
	c := New(srv.URL, "secret", time.Second, target)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-cancelAfter:
	case <-time.After(5 * time.Second):
		t.Fatal("sync loop never reached the third request")
	}
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.initial, 1, "exactly one initial sync")
	assert.GreaterOrEqual(t, len(target.incremental), 1)
	assert.GreaterOrEqual(t, target.presence, 2)
	assert.GreaterOrEqual(t, target.toDevice, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", sinces[0], "first request carries no since token")
	assert.Equal(t, "batch-1", sinces[1])
	assert.Equal(t, "batch-2", sinces[2])
}

func TestRunReturnsOnRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`)) // nolint: errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, "stale", time.Second, &recordingReconciler{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRunRetriesServerErrors(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"next_batch":"batch-1"}`)) // nolint: errcheck
	}))
	defer srv.Close()

	target := &recordingReconciler{}
	c := New(srv.URL, "secret", time.Second, target)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.initial) == 1
	}, 4*time.Second, 10*time.Millisecond, "loop recovers after a transient failure")

	cancel()
	<-done
}

func TestResumeFromPersistedToken(t *testing.T) {
	var (
		mu     sync.Mutex
		since  string
		called = make(chan struct{})
		once   sync.Once
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		if since == "" {
			since = req.URL.Query().Get("since")
		}
		mu.Unlock()
		once.Do(func() { close(called) })
		w.Write([]byte(`{"next_batch":"batch-9"}`)) // nolint: errcheck
	}))
	defer srv.Close()

	target := &recordingReconciler{}
	c := New(srv.URL, "secret", time.Second, target)
	c.SetSince("persisted-token")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("sync request never arrived")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "persisted-token", since)

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Empty(t, target.initial, "a resumed session never re-runs the initial path")
}
