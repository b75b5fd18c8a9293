package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"credential-registry/internal/domain"
	"credential-registry/internal/metrics"
)

// flushTimeout は1件の変更をバックエンドに書き込む際のタイムアウト。
const flushTimeout = 10 * time.Second

var errFlusherClosed = errors.New("flusher is closed")

type mutationKind int

const (
	mutationInsert mutationKind = iota
	mutationDelete
	mutationDeleteDevice
	mutationTruncate
	mutationBarrier
)

func (k mutationKind) String() string {
	switch k {
	case mutationInsert:
		return "insert"
	case mutationDelete:
		return "delete"
	case mutationDeleteDevice:
		return "delete_device"
	case mutationTruncate:
		return "truncate"
	default:
		return "barrier"
	}
}

// mutation はバックエンドに反映する1件の変更。
type mutation struct {
	ctx        context.Context
	kind       mutationKind
	credential *domain.Credential
	tenantID   string
	credType   string
	authID     string
	deviceID   string
	done       chan struct{}
}

func (m mutation) tenantIDOf() string {
	if m.credential != nil {
		return m.credential.TenantID
	}
	return m.tenantID
}

// flusher はコミット済みの変更を1つのゴルーチンで順番にバックエンドへ書き込む。
type flusher struct {
	backend Backend
	queue   chan mutation
	onFault func(context.Context, mutation, error)
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newFlusher(b Backend, queueSize int, onFault func(context.Context, mutation, error), m *metrics.Metrics) *flusher {
	if queueSize <= 0 {
		queueSize = 1
	}
	f := &flusher{
		backend: b,
		queue:   make(chan mutation, queueSize),
		onFault: onFault,
		metrics: m,
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// enqueue は変更をキューに積む。キューが満杯の場合は空きが出るまで待つ。
func (f *flusher) enqueue(m mutation) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return errFlusherClosed
	}
	f.queue <- m
	f.observeDepth()
	return nil
}

// sync はこれまでに積まれた変更が全て処理されるまで待つ。
func (f *flusher) sync(ctx context.Context) error {
	barrier := mutation{ctx: ctx, kind: mutationBarrier, done: make(chan struct{})}
	if err := f.enqueue(barrier); err != nil {
		return err
	}
	select {
	case <-barrier.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *flusher) close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *flusher) run() {
	defer close(f.done)
	for m := range f.queue {
		f.observeDepth()
		if m.kind == mutationBarrier {
			close(m.done)
			continue
		}
		if err := f.apply(m); err != nil {
			f.onFault(m.ctx, m, err)
		}
	}
}

func (f *flusher) apply(m mutation) error {
	ctx, cancel := context.WithTimeout(m.ctx, flushTimeout)
	defer cancel()

	switch m.kind {
	case mutationInsert:
		return f.backend.Insert(ctx, m.credential)
	case mutationDelete:
		return f.backend.Delete(ctx, m.tenantID, m.credType, m.authID)
	case mutationDeleteDevice:
		return f.backend.DeleteByDevice(ctx, m.tenantID, m.deviceID)
	case mutationTruncate:
		return f.backend.Truncate(ctx)
	}
	return nil
}

func (f *flusher) observeDepth() {
	if f.metrics != nil {
		f.metrics.FlushQueueDepth.Set(float64(len(f.queue)))
	}
}
