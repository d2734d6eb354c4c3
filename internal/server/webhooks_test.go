package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"servline/internal/config"
	"servline/internal/db"
	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/migrate"
)

func TestWebhookDispatcherDeliversAndStops(t *testing.T) {
	received := make(chan string, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt struct {
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			received <- evt.Type
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	e := engine.New(conn, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWebhookDispatcher(ctx, e, 20*time.Millisecond)
	// let the first poll initialize the cursor before any events exist
	time.Sleep(100 * time.Millisecond)

	req, err := e.CreateRequest(context.Background(), engine.CreateRequestOptions{
		RequesterID: "alice",
		FulfillerID: "bob",
		Category:    "plumbing",
		Title:       "Fix kitchen sink",
		Description: "The kitchen sink has been leaking for a week.",
		Location: domain.Location{
			Street: "123 Main St",
			City:   "Springfield",
			State:  "IL",
		},
		RequestedDate: time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case evtType := <-received:
		if evtType != "request.created" {
			t.Fatalf("unexpected event type %s", evtType)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	// after cancellation the dispatcher must stop posting
	cancel()
	time.Sleep(100 * time.Millisecond)
	if _, err := e.Accept(context.Background(), req.ID, "bob", nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	select {
	case evtType := <-received:
		t.Fatalf("delivery after cancel: %s", evtType)
	case <-time.After(200 * time.Millisecond):
	}
}
