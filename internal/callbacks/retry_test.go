package callbacks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EscrowBox/server/internal/config"
)

func testEvent() EscrowEvent {
	return EscrowEvent{
		TransactionID: "tx-1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		AmountCents:   5000,
		Currency:      "usd",
		Status:        "completed",
		TransferRef:   "tr_1",
	}
}

func TestPrepareEscrowEvent(t *testing.T) {
	event := testEvent()
	PrepareEscrowEvent(&event, EventEscrowCompleted)

	if !strings.HasPrefix(event.EventID, "evt_") {
		t.Errorf("EventID = %q, want evt_ prefix", event.EventID)
	}
	if event.EventType != EventEscrowCompleted {
		t.Errorf("EventType = %q, want %q", event.EventType, EventEscrowCompleted)
	}
	if event.EventTimestamp.IsZero() || event.OccurredAt.IsZero() {
		t.Error("timestamps not defaulted")
	}

	// Existing EventID is preserved for retries
	again := event
	PrepareEscrowEvent(&again, EventEscrowCompleted)
	if again.EventID != event.EventID {
		t.Error("PrepareEscrowEvent must preserve an existing EventID")
	}
}

func TestNewRetryableClient_NoopWithoutURL(t *testing.T) {
	notifier := NewRetryableClient(config.CallbacksConfig{})
	if _, ok := notifier.(NoopNotifier); !ok {
		t.Errorf("notifier type = %T, want NoopNotifier", notifier)
	}
}

func TestRetryableClient_DeliversEvent(t *testing.T) {
	received := make(chan EscrowEvent, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q, want %q", got, "secret")
		}
		var event EscrowEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode event: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewRetryableClient(config.CallbacksConfig{
		EscrowEventURL: server.URL,
		Headers:        map[string]string{"X-Api-Key": "secret"},
		Timeout:        config.Duration{Duration: 2 * time.Second},
		Retry:          config.RetryConfig{Enabled: true, MaxAttempts: 3},
	})

	notifier.EscrowCompleted(context.Background(), testEvent())

	select {
	case event := <-received:
		if event.EventType != EventEscrowCompleted {
			t.Errorf("EventType = %q, want %q", event.EventType, EventEscrowCompleted)
		}
		if event.TransactionID != "tx-1" {
			t.Errorf("TransactionID = %q, want %q", event.TransactionID, "tx-1")
		}
		if !strings.HasPrefix(event.EventID, "evt_") {
			t.Errorf("EventID = %q, want evt_ prefix", event.EventID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered")
	}
}

func TestRetryableClient_RetriesWithSameEventID(t *testing.T) {
	var mu sync.Mutex
	var eventIDs []string
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event EscrowEvent
		_ = json.NewDecoder(r.Body).Decode(&event)
		mu.Lock()
		eventIDs = append(eventIDs, event.EventID)
		mu.Unlock()

		// First attempt fails, second succeeds
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewRetryableClient(config.CallbacksConfig{
		EscrowEventURL: server.URL,
		Timeout:        config.Duration{Duration: 2 * time.Second},
		Retry: config.RetryConfig{
			Enabled:         true,
			MaxAttempts:     3,
			InitialInterval: config.Duration{Duration: 10 * time.Millisecond},
			MaxInterval:     config.Duration{Duration: 50 * time.Millisecond},
			Multiplier:      2.0,
		},
	})

	notifier.EscrowRefunded(context.Background(), testEvent())

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatal("callback was not retried")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(eventIDs) < 2 {
		t.Fatalf("attempts = %d, want at least 2", len(eventIDs))
	}
	if eventIDs[0] != eventIDs[1] {
		t.Errorf("EventID changed between retries: %q vs %q", eventIDs[0], eventIDs[1])
	}
}

func TestSendOnce(t *testing.T) {
	t.Run("disabled without URL", func(t *testing.T) {
		err := SendOnce(context.Background(), config.CallbacksConfig{}, testEvent())
		if err != ErrCallbackDisabled {
			t.Errorf("SendOnce() error = %v, want ErrCallbackDisabled", err)
		}
	})

	t.Run("delivers synchronously", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		err := SendOnce(context.Background(), config.CallbacksConfig{EscrowEventURL: server.URL}, testEvent())
		if err != nil {
			t.Fatalf("SendOnce() error = %v", err)
		}
		if atomic.LoadInt32(&calls) != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("propagates HTTP errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		err := SendOnce(context.Background(), config.CallbacksConfig{EscrowEventURL: server.URL}, testEvent())
		if err == nil {
			t.Error("SendOnce() error = nil, want error on 502")
		}
	})
}
