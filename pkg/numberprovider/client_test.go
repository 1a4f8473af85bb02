package numberprovider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewClient(server.URL, "acct", "secret"), server
}

func TestPurchase_TakesFirstCandidate(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmd") != "purchase" || q.Get("user") != "acct" || q.Get("api_key") != "secret" {
			t.Fatalf("unexpected query %v", q)
		}
		if q.Get("service") != "telegram" {
			t.Fatalf("expected service=telegram, got %q", q.Get("service"))
		}
		w.Write([]byte(`{"status":"ok","message":[{"mdn":"15551230001","id":42,"till_expiration":600},{"mdn":"15551230002","id":43}]}`))
	})
	defer server.Close()

	details, err := client.Purchase(context.Background(), "telegram")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if details.MDN != "15551230001" {
		t.Fatalf("expected first candidate, got %q", details.MDN)
	}
	if details.ExternalID() != "42" {
		t.Fatalf("expected numeric id rendered as string, got %q", details.ExternalID())
	}
	if details.TillExpiration != 600 {
		t.Fatalf("expected till_expiration 600, got %d", details.TillExpiration)
	}
}

func TestPurchase_EmptyCandidateList(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","message":[]}`))
	})
	defer server.Close()

	_, err := client.Purchase(context.Background(), "telegram")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if provErr.Message != "no numbers available" {
		t.Fatalf("unexpected message %q", provErr.Message)
	}
}

func TestPurchase_NonOkEnvelope(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"Out of stock"}`))
	})
	defer server.Close()

	_, err := client.Purchase(context.Background(), "telegram")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if provErr.Message != "Out of stock" {
		t.Fatalf("expected provider message to surface, got %q", provErr.Message)
	}
}

func TestPurchaseLongTerm_ParsesSingleObject(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmd") != "purchase_long_term" || q.Get("duration") != "30" {
			t.Fatalf("unexpected query %v", q)
		}
		w.Write([]byte(`{"status":"OK","message":{"mdn":"15551230009","id":"ltr-7","expires":"2026-10-01 12:00:00"}}`))
	})
	defer server.Close()

	details, err := client.PurchaseLongTerm(context.Background(), "whatsapp", 30)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if details.Expires != "2026-10-01 12:00:00" {
		t.Fatalf("unexpected expires %q", details.Expires)
	}
	if details.ExternalID() != "ltr-7" {
		t.Fatalf("unexpected external id %q", details.ExternalID())
	}
}

func TestRejectAndRelease_SendCorrectCommands(t *testing.T) {
	var gotCmds []string
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotCmds = append(gotCmds, q.Get("cmd"))
		switch q.Get("cmd") {
		case "reject":
			if q.Get("id") != "ext-42" {
				t.Fatalf("expected id=ext-42, got %q", q.Get("id"))
			}
		case "ltr_release":
			if q.Get("mdn") != "15551230001" || q.Get("service") != "telegram" {
				t.Fatalf("unexpected release params %v", q)
			}
		}
		w.Write([]byte(`{"status":"ok","message":"done"}`))
	})
	defer server.Close()

	if err := client.Reject(context.Background(), "ext-42"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := client.Release(context.Background(), "15551230001", "telegram"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(gotCmds) != 2 || gotCmds[0] != "reject" || gotCmds[1] != "ltr_release" {
		t.Fatalf("unexpected commands %v", gotCmds)
	}
}

func TestFetchMessages_EmptyInboxIsNotAnError(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"No messages"}`))
	})
	defer server.Close()

	messages, err := client.FetchMessages(context.Background(), "15551230001")
	if err != nil {
		t.Fatalf("expected empty inbox to be nil error, got %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(messages))
	}
}

func TestFetchMessages_ReturnsMessages(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","message":[{"date_time":"2026-08-30 10:00:00","from":"Telegram","reply":"Your code is 12345"}]}`))
	})
	defer server.Close()

	messages, err := client.FetchMessages(context.Background(), "15551230001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(messages) != 1 || messages[0].Reply != "Your code is 12345" {
		t.Fatalf("unexpected messages %+v", messages)
	}
}

func TestCall_HTTPErrorIsProviderError(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer server.Close()

	_, err := client.Purchase(context.Background(), "telegram")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
}
