package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/bus"
	relaysrv "github.com/phoenix-apps/phoenix-sync/internal/relay"
)

func startBroker(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := relaysrv.NewServer(ln.Addr().String(), nil, zerolog.Nop())
	srv.SetListener(ln)
	if err := srv.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return fmt.Sprintf("ws://%s/relay", ln.Addr().String())
}

func openTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := Open(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("open transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func collect(tr *Transport) <-chan bus.Message {
	ch := make(chan bus.Message, 16)
	tr.Handle(func(msg bus.Message) { ch <- msg })
	return ch
}

func waitMessage(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}

func TestTransport_PublishReachesSiblings(t *testing.T) {
	url := startBroker(t)

	a := openTransport(t, url)
	b := openTransport(t, url)
	received := collect(b)

	msg := bus.Message{
		Type:   bus.TypeEnergyUpdated,
		Energy: &bus.EnergyPayload{Energy: 55},
	}
	if err := a.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitMessage(t, received)
	if got.Type != bus.TypeEnergyUpdated {
		t.Errorf("Type = %q, want %q", got.Type, bus.TypeEnergyUpdated)
	}
	if got.Energy == nil || got.Energy.Energy != 55 {
		t.Errorf("Energy payload = %+v, want 55", got.Energy)
	}
}

func TestTransport_NoSelfDelivery(t *testing.T) {
	url := startBroker(t)

	a := openTransport(t, url)
	b := openTransport(t, url)
	selfReceived := collect(a)
	collect(b)

	if err := a.Publish(context.Background(), bus.Message{Type: bus.TypeLogoutAll}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-selfReceived:
		t.Errorf("transport delivered its own message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransport_ConcurrentPublish(t *testing.T) {
	url := startBroker(t)

	a := openTransport(t, url)
	b := openTransport(t, url)

	const goroutines = 8
	const perGoroutine = 50

	// Sized so the handler never blocks the receive loop.
	received := make(chan bus.Message, goroutines*perGoroutine)
	b.Handle(func(msg bus.Message) { received <- msg })

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				msg := bus.Message{
					Type:   bus.TypeEnergyUpdated,
					Energy: &bus.EnergyPayload{Energy: j},
				}
				if err := a.Publish(context.Background(), msg); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Every frame must arrive intact at the sibling.
	for i := 0; i < goroutines*perGoroutine; i++ {
		waitMessage(t, received)
	}
}

func TestTransport_PublishAfterClose(t *testing.T) {
	url := startBroker(t)

	a := openTransport(t, url)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := a.Publish(context.Background(), bus.Message{Type: bus.TypeLogoutAll}); err == nil {
		t.Error("publish succeeded on a closed transport")
	}
}

func TestTransport_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := Open(ctx, "ws://127.0.0.1:1/relay", zerolog.Nop()); err == nil {
		t.Fatal("expected dial error for unreachable relay")
	}
}
