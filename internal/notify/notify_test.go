package notify

import "testing"

func TestNewUnknownChannelType(t *testing.T) {
	if _, err := New(Channel{Type: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown channel type")
	}
}

func TestEmailNotifierValidate(t *testing.T) {
	n := newEmailNotifier(map[string]string{})
	if err := n.Validate(); err == nil {
		t.Fatal("expected validation error for empty config")
	}

	n = newEmailNotifier(map[string]string{
		"smtp_host": "smtp.example.com",
		"from":      "alerts@example.com",
		"to":        "oncall@example.com, backup@example.com",
	})
	if err := n.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if len(n.To) != 2 {
		t.Fatalf("To = %v, want 2 recipients", n.To)
	}
	if n.Port != "587" {
		t.Fatalf("Port = %q, want default 587", n.Port)
	}
}

func TestWebhookNotifierValidate(t *testing.T) {
	n := newWebhookNotifier(map[string]string{})
	if err := n.Validate(); err == nil {
		t.Fatal("expected validation error for empty url")
	}
	n = newWebhookNotifier(map[string]string{"url": "https://example.com/hook"})
	if err := n.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
