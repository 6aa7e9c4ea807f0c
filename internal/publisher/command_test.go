package publisher

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Command
		handled bool
	}{
		{
			name:    "like",
			input:   "/ai like",
			want:    Command{Kind: CommandLike},
			handled: true,
		},
		{
			name:    "dislike with excerpt",
			input:   "/ai dislike the nil check suggestion",
			want:    Command{Kind: CommandDislike, Excerpt: "the nil check suggestion"},
			handled: true,
		},
		{
			name:    "ignore",
			input:   "/ai ignore style nits",
			want:    Command{Kind: CommandIgnore, Excerpt: "style nits"},
			handled: true,
		},
		{
			name:    "verb is case insensitive",
			input:   "/AI Like",
			want:    Command{Kind: CommandLike},
			handled: true,
		},
		{
			name:    "surrounding whitespace",
			input:   "  /ai like  ",
			want:    Command{Kind: CommandLike},
			handled: true,
		},
		{
			name:    "unknown verb dropped",
			input:   "/ai summarize",
			handled: false,
		},
		{
			name:    "bare prefix dropped",
			input:   "/ai",
			handled: false,
		},
		{
			name:    "foreign slash command dropped",
			input:   "/retest",
			handled: false,
		},
		{
			name:    "plain text is chat",
			input:   "why did you flag the mutex here?",
			want:    Command{Kind: CommandChat, Text: "why did you flag the mutex here?"},
			handled: true,
		},
		{
			name:    "prefix must be a word boundary",
			input:   "/aircraft maintenance",
			handled: false,
		},
		{
			name:    "empty body dropped",
			input:   "   ",
			handled: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, handled := ParseCommand(tt.input)
			if handled != tt.handled {
				t.Fatalf("handled = %v, want %v", handled, tt.handled)
			}
			if !handled {
				return
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
