package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azsap/sapops/registry"
)

var testKey = lockKey{system: "PRD", component: "db", plane: registry.PlaneShell}

func TestLockKey_String(t *testing.T) {
	if got := testKey.String(); got != "PRD/db/shell" {
		t.Errorf("got %q", got)
	}
}

func TestAcquire_FastPath(t *testing.T) {
	tbl := newLockTable(0)
	ctx := context.Background()

	release, err := tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()

	release, err = tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
	release()
}

func TestAcquire_RejectsWhenHeld(t *testing.T) {
	tbl := newLockTable(0)
	ctx := context.Background()

	release, err := tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	if _, err := tbl.acquire(ctx, testKey); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy with depth 0, got %v", err)
	}
}

func TestAcquire_QueueBound(t *testing.T) {
	tbl := newLockTable(1)
	ctx := context.Background()

	release, err := tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	acquired := make(chan func())
	go func() {
		r, err := tbl.acquire(ctx, testKey)
		if err != nil {
			t.Errorf("queued acquire failed: %v", err)
			acquired <- func() {}
			return
		}
		acquired <- r
	}()

	// Wait for the waiter to register before probing the bound.
	l := tbl.forKey(testKey)
	deadline := time.Now().Add(2 * time.Second)
	for l.waiters.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := tbl.acquire(ctx, testKey); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy beyond the queue bound, got %v", err)
	}

	release()
	r := <-acquired
	r()
}

func TestAcquire_CancelWhileQueued(t *testing.T) {
	tbl := newLockTable(4)

	release, err := tbl.acquire(context.Background(), testKey)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.acquire(ctx, testKey)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire did not observe cancellation")
	}
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	tbl := newLockTable(0)
	ctx := context.Background()

	r1, err := tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer r1()

	other := lockKey{system: "PRD", component: "db", plane: registry.PlaneCloud}
	r2, err := tbl.acquire(ctx, other)
	if err != nil {
		t.Fatalf("a held shell lock must not block the cloud plane: %v", err)
	}
	defer r2()

	qas := lockKey{system: "QAS", component: "db", plane: registry.PlaneShell}
	r3, err := tbl.acquire(ctx, qas)
	if err != nil {
		t.Fatalf("a held PRD lock must not block QAS: %v", err)
	}
	defer r3()
}

func TestRelease_Idempotent(t *testing.T) {
	tbl := newLockTable(0)
	ctx := context.Background()

	release, err := tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()
	release()

	r, err := tbl.acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("double release broke the lock: %v", err)
	}
	r()
}
