package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	errFlaky := errors.New("flaky")
	errFatal := errors.New("fatal")

	tests := []struct {
		name         string
		cfg          Config
		failures     int // calls that fail before success
		permanent    bool
		wantCalls    int
		wantErr      error
		wantExhausts bool
	}{
		{name: "first try", cfg: Config{MaxAttempts: 3}, failures: 0, wantCalls: 1},
		{name: "succeeds on third", cfg: Config{MaxAttempts: 3}, failures: 2, wantCalls: 3},
		{name: "exhausted", cfg: Config{MaxAttempts: 3}, failures: 5, wantCalls: 3, wantErr: errFlaky, wantExhausts: true},
		{name: "zero attempts means one", cfg: Config{}, failures: 5, wantCalls: 1, wantErr: errFlaky, wantExhausts: true},
		{name: "permanent stops", cfg: Config{MaxAttempts: 3}, failures: 5, permanent: true, wantCalls: 1, wantErr: errFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.cfg, func(attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				if tt.permanent {
					return Permanent(errFatal)
				}
				if calls <= tt.failures {
					return errFlaky
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Do() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrExhausted) != tt.wantExhausts {
				t.Errorf("errors.Is(err, ErrExhausted) = %v, want %v", !tt.wantExhausts, tt.wantExhausts)
			}
		})
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, Delay: time.Hour}, func(int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoAttemptTimeoutIsRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 3}, func(int) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("openai api error: %w", context.DeadlineExceeded)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
