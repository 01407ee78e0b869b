package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, b); err != nil {
				return
			}
		}
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialReadWrite(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := Dial(ctx, wsURL, DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.WriteMessage(ctx, websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	mt, b, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(b) != "hello" {
		t.Fatalf("unexpected echo: %d %q", mt, b)
	}
}

func TestReadMessageUnblocksOnCancel(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	c, _, err := Dial(context.Background(), wsURL, DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	go func() {
		defer wg.Done()
		_, _, readErr = c.ReadMessage(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()
	if !errors.Is(readErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", readErr)
	}
}

func TestReadMessageDeadline(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	c, _, err := Dial(context.Background(), wsURL, DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := c.ReadMessage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
