package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"arvcare/internal/notifier"
	"arvcare/pkg/logx"
)

type fakeAPI struct {
	mu    sync.Mutex
	texts []string
	reply string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var params map[string]any
	_ = json.Unmarshal(body, &params)

	f.mu.Lock()
	if txt, ok := params["text"].(string); ok {
		f.texts = append(f.texts, txt)
	}
	reply := f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reply != "" {
		_, _ = io.WriteString(w, reply)
		return
	}
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":100,"type":"private"}}}`)
}

func newTestChannel(t *testing.T, api *fakeAPI) *Channel {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	ch, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeliverSendsSubjectAndText(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	ch := newTestChannel(t, api)
	n := notifier.Notification{
		Recipient: notifier.Recipient{ChatID: 100},
		Subject:   "Medication reminder",
		Text:      "time to take TLD",
		Priority:  9,
	}
	if err := ch.Deliver(context.Background(), n); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 1 || !strings.Contains(api.texts[0], "Medication reminder\n\ntime to take TLD") {
		t.Fatalf("texts=%q", api.texts)
	}
}

func TestDeliverWithoutChatIsPermanent(t *testing.T) {
	t.Parallel()

	ch := newTestChannel(t, &fakeAPI{})
	err := ch.Deliver(context.Background(), notifier.Notification{Text: "x"})
	if !errors.Is(err, ErrNoChat) || !notifier.IsPermanent(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestBlockedBotIsPermanent(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`}
	ch := newTestChannel(t, api)
	err := ch.Deliver(context.Background(), notifier.Notification{Recipient: notifier.Recipient{ChatID: 5}, Text: "x"})
	if err == nil || !notifier.IsPermanent(err) {
		t.Fatalf("err=%v, want permanent", err)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: `{"ok":false,"error_code":502,"description":"Bad Gateway"}`}
	ch := newTestChannel(t, api)
	err := ch.Deliver(context.Background(), notifier.Notification{Recipient: notifier.Recipient{ChatID: 5}, Text: "x"})
	if err == nil || notifier.IsPermanent(err) {
		t.Fatalf("err=%v, want retryable", err)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got=%q", got)
	}
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got=%q", got)
	}
	long := strings.Repeat("x", 25)
	for _, c := range splitText(long, 10) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}
