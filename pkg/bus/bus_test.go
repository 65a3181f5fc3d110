package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "bindery.audit.threat", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, "bindery.audit.threat", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "bindery.audit.threat" {
			t.Errorf("Expected subject 'bindery.audit.threat', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var single, tail atomic.Int32

	if _, err := bus.Subscribe(ctx, "bindery.audit.*", func(*Message) { single.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(ctx, "bindery.>", func(*Message) { tail.Add(1) }); err != nil {
		t.Fatal(err)
	}

	bus.Publish(ctx, "bindery.audit.threat", nil)
	bus.Publish(ctx, "bindery.audit.breaker", nil)
	bus.Publish(ctx, "bindery.audit.threat.high", nil)
	bus.Publish(ctx, "other.audit.threat", nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && (single.Load() < 2 || tail.Load() < 3) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := single.Load(); got != 2 {
		t.Errorf("single-token wildcard got %d messages, want 2", got)
	}
	if got := tail.Load(); got != 3 {
		t.Errorf("tail wildcard got %d messages, want 3", got)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.>.c", "a.b.c", false},
		{"*.b", "a.b", true},
		{"a.b", "a.c", false},
	}
	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	sub, err := bus.Subscribe(ctx, "x", func(*Message) { received.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	if sub.Subject() != "x" {
		t.Errorf("Subject() = %q", sub.Subject())
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe should be a no-op, got %v", err)
	}

	bus.Publish(ctx, "x", nil)
	time.Sleep(20 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("unsubscribed handler received %d messages", received.Load())
	}
}

func TestMemoryBus_DropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	_, err := bus.Subscribe(ctx, "slow", func(*Message) { <-release })
	if err != nil {
		t.Fatal(err)
	}
	defer close(release)

	for i := 0; i < subscriptionBuffer+10; i++ {
		if err := bus.Publish(ctx, "slow", nil); err != nil {
			t.Fatal(err)
		}
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped messages once the buffer filled")
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	if _, err := bus.Subscribe(ctx, "a", func(*Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if err := bus.Publish(ctx, "a", nil); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := bus.Subscribe(ctx, "a", func(*Message) {}); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
}

func TestOpen(t *testing.T) {
	b, err := Open(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(*MemoryBus); !ok {
		t.Errorf("Open without URL = %T, want *MemoryBus", b)
	}
}

func TestNewNATSBus_Unreachable(t *testing.T) {
	_, err := NewNATSBus(Config{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected connect error for unreachable server")
	}
}
