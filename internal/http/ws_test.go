package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/tow-dispatch/internal/identity"
	"github.com/example/tow-dispatch/internal/jobs"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/store"
)

func testServer(t *testing.T) (*httptest.Server, *identity.Gate, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := identity.NewStoreProvider(m, []byte("test-secret"), time.Hour)
	gate := &identity.Gate{Provider: provider, Store: m, Logger: logger}
	adapter := &jobs.Adapter{Store: m, Logger: logger}
	srv := httptest.NewServer(NewServer(gate, provider, adapter, m, nil, logger))
	t.Cleanup(srv.Close)
	return srv, gate, m
}

func driverToken(t *testing.T, gate *identity.Gate, email string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := gate.Register(ctx, email, "pw", false); err != nil {
		t.Fatal(err)
	}
	sess, err := gate.Login(ctx, email, "pw")
	if err != nil {
		t.Fatal(err)
	}
	return sess.Token
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
}

func TestSocketTeardownReleasesGoroutines(t *testing.T) {
	srv, gate, _ := testServer(t)
	token := driverToken(t, gate, "drv@tow.example")

	base := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
		if err != nil {
			t.Fatal(err)
		}
		// wait for the initial frame so the server side is fully serving
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatal(err)
		}
		_ = conn.Close()
	}

	// the handler and its write pump must both exit once the client is gone
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= base+2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("goroutines leaked across socket cycles: base %d, now %d", base, runtime.NumGoroutine())
}

func TestSocketPushesDriverStateOnAssignment(t *testing.T) {
	srv, gate, m := testServer(t)
	token := driverToken(t, gate, "drv@tow.example")
	sess, err := gate.Login(context.Background(), "drv@tow.example", "pw")
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string `json:"type"`
		Data struct {
			Job *models.Job `json:"job"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "driver" || env.Data.Job != nil {
		t.Fatalf("initial frame = %+v", env)
	}

	// an assignment written to the store reaches the socket as a new frame
	err = m.Write(context.Background(), "jobs/j1", models.Job{Customer: "Ana", DriverID: sess.UserID})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Data.Job == nil || env.Data.Job.Customer != "Ana" {
		t.Fatalf("assignment frame = %+v", env)
	}
}

func TestPlainRequestToSocketEndpoint(t *testing.T) {
	srv, gate, _ := testServer(t)
	token := driverToken(t, gate, "drv@tow.example")

	// no upgrade headers: the upgrader replies 400 on its own, and the
	// handler must not write a second error on top of it
	resp, err := http.Get(srv.URL + "/ws?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(body)); got != "Bad Request" {
		t.Fatalf("body = %q, want the upgrader's reply alone", got)
	}
}
