package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/commsync/commsync/internal/model"
)

func emailKey(search string) Key {
	return Key{Channel: model.ChannelEmail, AccountID: "acc-1", View: ViewInbox, Search: search, Limit: 50}
}

func TestDoSingleRequest(t *testing.T) {
	a := NewArbiter()

	got, err := Do(a, context.Background(), emailKey(""), func(ctx context.Context) (string, error) {
		return "result", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "result" {
		t.Errorf("got %q, want result", got)
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d after completion, want 0", a.Pending())
	}
}

// TestSupersede covers the search-as-you-type race: "jo" is issued, then
// "jo" again under the same key; the first caller must see ErrSuperseded
// even if its fn resolves later with a valid result.
func TestSupersede(t *testing.T) {
	a := NewArbiter()
	key := emailKey("jo")

	firstStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	var firstErr error
	var firstResult string

	wg.Add(1)
	go func() {
		defer wg.Done()
		firstResult, firstErr = Do(a, context.Background(), key, func(ctx context.Context) (string, error) {
			close(firstStarted)
			<-release
			// Resolves "successfully" after being superseded.
			return "stale", nil
		})
	}()

	<-firstStarted

	second, err := Do(a, context.Background(), key, func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if second != "fresh" {
		t.Errorf("second result = %q, want fresh", second)
	}

	close(release)
	wg.Wait()

	if !errors.Is(firstErr, ErrSuperseded) {
		t.Errorf("first error = %v, want ErrSuperseded", firstErr)
	}
	if firstResult != "" {
		t.Errorf("stale result leaked: %q", firstResult)
	}
}

func TestSupersedeCancelsContext(t *testing.T) {
	a := NewArbiter()
	key := emailKey("john")

	ctxSeen := make(chan context.Context, 1)
	started := make(chan struct{})

	go func() {
		_, _ = Do(a, context.Background(), key, func(ctx context.Context) (string, error) {
			ctxSeen <- ctx
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
	}()

	<-started
	if _, err := Do(a, context.Background(), key, func(ctx context.Context) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx := <-ctxSeen
	select {
	case <-ctx.Done():
		// Superseded request was cooperatively cancelled.
	case <-time.After(time.Second):
		t.Fatal("superseded request context was not cancelled")
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	a := NewArbiter()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(a, context.Background(), emailKey("a"), func(ctx context.Context) (int, error) {
			close(started)
			<-block
			return 1, nil
		})
	}()
	<-started

	// A different key must not be blocked or superseded.
	got, err := Do(a, context.Background(), emailKey("b"), func(ctx context.Context) (int, error) {
		return 2, nil
	})
	close(block)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestErrorsPropagate(t *testing.T) {
	a := NewArbiter()
	wantErr := errors.New("boom")

	_, err := Do(a, context.Background(), emailKey(""), func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
}

func TestCancel(t *testing.T) {
	a := NewArbiter()
	key := emailKey("x")

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Do(a, context.Background(), key, func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()

	<-started
	a.Cancel(key)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("error = %v, want ErrSuperseded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request did not return")
	}
}

func TestCancelAccount(t *testing.T) {
	a := NewArbiter()

	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for _, search := range []string{"a", "b"} {
		key := emailKey(search)
		go func() {
			_, err := Do(a, context.Background(), key, func(ctx context.Context) (string, error) {
				started <- struct{}{}
				<-ctx.Done()
				return "", ctx.Err()
			})
			done <- err
		}()
	}
	<-started
	<-started

	a.CancelAccount("acc-1")

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrSuperseded) {
				t.Errorf("error = %v, want ErrSuperseded", err)
			}
		case <-time.After(time.Second):
			t.Fatal("request did not return after account cancel")
		}
	}
}

func TestKeyString(t *testing.T) {
	k1 := emailKey("john")
	k2 := emailKey("john")
	k3 := emailKey("jo")

	if k1.String() != k2.String() {
		t.Errorf("equal keys produced different strings: %q vs %q", k1.String(), k2.String())
	}
	if k1.String() == k3.String() {
		t.Errorf("distinct keys collided: %q", k1.String())
	}
}

// A delimiter inside the search text must not make two distinct keys
// share a canonical form: the unquoted layout would render both of
// these as email|acc-1|inbox|a|b|...
func TestKeyStringDelimiterInSearch(t *testing.T) {
	k1 := Key{Channel: model.ChannelEmail, AccountID: "acc-1", View: "inbox", Search: "a|b"}
	k2 := Key{Channel: model.ChannelEmail, AccountID: "acc-1", View: "inbox|a", Search: "b"}

	if k1.String() == k2.String() {
		t.Errorf("distinct keys collided: %q", k1.String())
	}
}

func TestMessagesKeyPaginated(t *testing.T) {
	full := MessagesKey(model.ChannelSMS, "acc-1", "conv-9", 0, 0)
	if full.Paginated() {
		t.Error("offset 0 should not be paginated")
	}
	page := MessagesKey(model.ChannelSMS, "acc-1", "conv-9", 50, 50)
	if !page.Paginated() {
		t.Error("offset 50 should be paginated")
	}
}
