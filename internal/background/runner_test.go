package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/retry"
)

func fastRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 1}
}

func TestEnqueueRunsJobToCompletion(t *testing.T) {
	r := New(nil, fastRetryConfig())

	var ran atomic.Bool
	r.Enqueue("test-job", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected job to have run before Shutdown returned")
	}
}

func TestEnqueueRetriesOnFailureThenGivesUp(t *testing.T) {
	r := New(nil, fastRetryConfig())

	var attempts atomic.Int32
	r.Enqueue("flaky-job", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := attempts.Load(); got != int32(fastRetryConfig().MaxAttempts) {
		t.Fatalf("attempts = %d, want %d", got, fastRetryConfig().MaxAttempts)
	}
}

func TestEnqueueGivesJobALiveContext(t *testing.T) {
	r := New(nil, fastRetryConfig())

	var sawErr error
	r.Enqueue("detached-job", func(ctx context.Context) error {
		sawErr = ctx.Err()
		return nil
	})

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if sawErr != nil {
		t.Fatalf("job context err = %v, want nil", sawErr)
	}
}

func TestMultipleJobsAllComplete(t *testing.T) {
	r := New(nil, fastRetryConfig())

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		r.Enqueue("job", func(ctx context.Context) error {
			completed.Add(1)
			return nil
		})
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := completed.Load(); got != 5 {
		t.Fatalf("completed = %d, want 5", got)
	}
}

func TestShutdownRespectsContextDeadline(t *testing.T) {
	r := New(nil, fastRetryConfig())

	block := make(chan struct{})
	r.Enqueue("slow-job", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Shutdown(ctx)
	close(block)
	if err == nil {
		t.Fatal("expected Shutdown to time out while the job is still blocked")
	}
}
