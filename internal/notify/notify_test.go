package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSlackPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	msg := slackPayload(Notification{
		Title:    "Run all finished",
		Message:  "3 of 3 cells succeeded",
		Severity: SeveritySuccess,
		BatchID:  "42",
		Fields:   []Field{{Name: "Failed", Value: "0"}},
	}, now)

	if msg.Text != "Run all finished" {
		t.Errorf("Text = %q", msg.Text)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Title != "batch 42" || att.Color != "good" || att.Ts != now.Unix() {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Failed" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestSlack_Send(t *testing.T) {
	var got slackMessage
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewSlack(server.URL).Send(context.Background(), Notification{
		Title:   "Test",
		Message: "Test message",
		CellID:  "c1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Title != "cell c1" {
		t.Errorf("attachments = %+v, want title \"cell c1\"", got.Attachments)
	}
}

func TestSlack_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlack(server.URL).Send(context.Background(), Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("err = %v, want 403 with body", err)
	}
	if err := NewSlack("").Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestSeverityColors(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeveritySuccess, "good"},
		{SeverityWarning, "warning"},
		{SeverityError, "danger"},
		{SeverityInfo, "#439FE0"},
	}

	for _, tt := range tests {
		if got := tt.sev.slackColor(); got != tt.want {
			t.Errorf("%v.slackColor() = %s, want %s", tt.sev, got, tt.want)
		}
	}
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{
		Title:    "Run all failed",
		Message:  `cell "login" failed`,
		Severity: SeverityError,
		BatchID:  "b1",
		Fields:   []Field{{Name: "Failed", Value: "1"}, {Name: "Aborted", Value: "0"}},
	}

	name, args, ok := desktopCommand("linux", n)
	if !ok || name != "notify-send" {
		t.Fatalf("linux: %s %v %v", name, args, ok)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--urgency critical") || !strings.Contains(joined, "dialog-error") {
		t.Errorf("linux args = %v", args)
	}
	if last := args[len(args)-1]; last != "cell \"login\" failed\nFailed: 1, Aborted: 0" {
		t.Errorf("linux body = %q", last)
	}

	name, args, ok = desktopCommand("darwin", n)
	if !ok || name != "osascript" || len(args) != 2 {
		t.Fatalf("darwin: %s %v %v", name, args, ok)
	}
	if !strings.Contains(args[1], `subtitle "batch b1"`) || !strings.Contains(args[1], `\"login\"`) {
		t.Errorf("darwin script = %s", args[1])
	}

	if _, _, ok := desktopCommand("plan9", n); ok {
		t.Error("plan9 should be unsupported")
	}
}

func TestDesktop_Send(t *testing.T) {
	var ran string
	d := &Desktop{goos: "linux", run: func(_ context.Context, name string, args ...string) error {
		ran = name
		return errors.New("not installed")
	}}

	err := d.Send(context.Background(), Notification{Title: "t"})
	if ran != "notify-send" {
		t.Errorf("ran %q", ran)
	}
	if err == nil || !strings.HasPrefix(err.Error(), "notify-send:") {
		t.Errorf("err = %v", err)
	}

	d.goos = "windows"
	ran = ""
	if err := d.Send(context.Background(), Notification{Title: "t"}); err != nil || ran != "" {
		t.Errorf("unsupported platform ran %q, err %v", ran, err)
	}
}

func TestMulti(t *testing.T) {
	var called []string

	multi := Multi{
		&mockNotifier{name: "mock1", calls: &called},
		&mockNotifier{name: "mock2", calls: &called},
	}
	if err := multi.Send(context.Background(), Notification{Title: "Test"}); err != nil {
		t.Fatal(err)
	}

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	multi := Multi{failingNotifier{boom}, Discard{}, failingNotifier{boom}}

	err := multi.Send(context.Background(), Notification{Title: "Test"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Send(context.Context, Notification) error { return f.err }

func TestAppleScriptString(t *testing.T) {
	got := appleScriptString(`say "hi" \ bye`)
	want := `"say \"hi\" \\ bye"`
	if got != want {
		t.Errorf("appleScriptString = %s, want %s", got, want)
	}
}
