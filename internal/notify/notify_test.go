package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingSender struct {
	name   string
	alerts []Alert
	err    error
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifier_FilterAndCooldown(t *testing.T) {
	t.Parallel()

	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventReconcileMismatch}, time.Minute, discard)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, Alert{Event: EventSnapshotFailed}))
	assert.Empty(t, s.alerts, "filtered event")

	a := Alert{Event: EventReconcileMismatch, Key: "mismatch:usdc"}
	require.NoError(t, n.Notify(ctx, a))
	require.NoError(t, n.Notify(ctx, a))
	assert.Len(t, s.alerts, 1, "second alert within cooldown")

	require.NoError(t, n.Notify(ctx, Alert{Event: EventReconcileMismatch, Key: "mismatch:weth"}))
	assert.Len(t, s.alerts, 2, "different key")

	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, a))
	assert.Len(t, s.alerts, 3)

	n.Reset("mismatch:usdc")
	require.NoError(t, n.Notify(ctx, a))
	assert.Len(t, s.alerts, 4)
}

func TestNotifier_JoinsSenderErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: boom}
	n := NewNotifier([]Sender{bad, ok}, nil, 0, discard)

	err := n.Notify(context.Background(), Alert{Event: EventReconcileFailed})
	require.ErrorIs(t, err, boom)
	assert.Len(t, ok.alerts, 1, "later senders still run")

	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
	require.NoError(t, nilNotifier.Notify(context.Background(), Alert{}))
}

func TestAlert_Body(t *testing.T) {
	t.Parallel()

	a := Alert{Fields: map[string]string{"b": "2", "a": "1"}}
	assert.Equal(t, "a: 1\nb: 2", a.Body())
}

func TestDiscordSender(t *testing.T) {
	t.Parallel()

	var got map[string][]discordEmbed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Alert{
		Event:    EventReconcileMismatch,
		Severity: SeverityCritical,
		Title:    "Vault USDC out of balance",
		Fields:   map[string]string{"total_deposits": "10", "record_sum": "9"},
	})
	require.NoError(t, err)
	require.Len(t, got["embeds"], 1)
	embed := got["embeds"][0]
	assert.Equal(t, "Vault USDC out of balance", embed.Title)
	assert.Equal(t, 0xe74c3c, embed.Color)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "record_sum", embed.Fields[0].Name)
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()

	var path string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42").WithBaseURL(srv.URL + "/")
	err := s.Send(context.Background(), Alert{Title: "a<b", Severity: SeverityWarning, Fields: map[string]string{"k": "v&w"}})
	require.NoError(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "HTML", payload["parse_mode"])
	assert.True(t, strings.HasPrefix(payload["text"], "<b>a&lt;b</b> [warning]"))
	assert.Contains(t, payload["text"], "k: v&amp;w")
}

func TestSender_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Alert{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	err = NewTelegramSender("t", "c").WithBaseURL(srv.URL).Send(context.Background(), Alert{})
	require.Error(t, err)
}
