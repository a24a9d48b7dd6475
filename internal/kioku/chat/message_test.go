package chat

import "testing"

func int64Ptr(v int64) *int64 { return &v }

func TestIsForwarded(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{
			name: "plain message",
			msg:  Message{Text: "hello", Type: ContentTypeText},
			want: false,
		},
		{
			name: "forward date set",
			msg:  Message{Text: "hello", ForwardDate: 1787200000},
			want: true,
		},
		{
			name: "forward origin chat set",
			msg:  Message{Text: "hello", ForwardFromChatID: int64Ptr(42)},
			want: true,
		},
		{
			name: "origin chat zero is still a forward",
			msg:  Message{Text: "hello", ForwardFromChatID: int64Ptr(0)},
			want: true,
		},
		{
			name: "sender name only",
			msg:  Message{Text: "hello", ForwardSenderName: "Alice"},
			want: true,
		},
		{
			name: "blank sender name is not a forward",
			msg:  Message{Text: "hello", ForwardSenderName: "   "},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsForwarded(); got != tt.want {
				t.Errorf("IsForwarded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContent(t *testing.T) {
	m := Message{Text: "body"}
	if m.Content() != "body" {
		t.Errorf("Content() = %q, want body", m.Content())
	}

	m = Message{Caption: "caption only", Type: ContentTypePhoto}
	if m.Content() != "caption only" {
		t.Errorf("Content() = %q, want caption", m.Content())
	}

	m = Message{Text: "body", Caption: "caption"}
	if m.Content() != "body" {
		t.Errorf("Content() should prefer text, got %q", m.Content())
	}
}

func TestNumericID(t *testing.T) {
	a := NumericID("@alice:example.org")
	b := NumericID("@alice:example.org")
	if a != b {
		t.Errorf("NumericID not deterministic: %d vs %d", a, b)
	}
	if a <= 0 {
		t.Errorf("NumericID should be positive, got %d", a)
	}
	if NumericID("@bob:example.org") == a {
		t.Error("distinct IDs should not collide on trivial input")
	}

	ids := NumericIDs([]string{"@alice:example.org", "@bob:example.org"})
	if len(ids) != 2 || ids[0] != a {
		t.Errorf("NumericIDs order not preserved: %v", ids)
	}
}
