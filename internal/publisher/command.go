package publisher

import "strings"

// CommandKind is what a PR comment addressed to the bot asks for.
type CommandKind string

const (
	CommandLike    CommandKind = "like"
	CommandDislike CommandKind = "dislike"
	CommandIgnore  CommandKind = "ignore"

	// CommandChat is any non-command text, handled as a conversational turn.
	CommandChat CommandKind = "chat"
)

// Command is a parsed bot command.
type Command struct {
	Kind CommandKind

	// Excerpt is the optional trailing text after a feedback verb, used to
	// pin the feedback to a specific finding.
	Excerpt string

	// Text is the full message body for chat turns.
	Text string
}

const commandPrefix = "/ai"

// ParseCommand parses a PR comment body. The grammar is closed: only the
// three feedback verbs are commands. An unknown verb after the prefix is
// deliberately dropped (false) rather than treated as chat, so typos never
// trigger a review conversation. Anything not starting with the prefix is a
// chat turn.
func ParseCommand(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Command{}, false
	}

	if !hasCommandPrefix(trimmed) {
		if strings.HasPrefix(trimmed, "/") {
			// Some other slash command, not ours.
			return Command{}, false
		}
		return Command{Kind: CommandChat, Text: trimmed}, true
	}

	rest := strings.TrimSpace(trimmed[len(commandPrefix):])
	verb := rest
	var excerpt string
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		verb = rest[:i]
		excerpt = strings.TrimSpace(rest[i:])
	}

	switch strings.ToLower(verb) {
	case "like":
		return Command{Kind: CommandLike, Excerpt: excerpt}, true
	case "dislike":
		return Command{Kind: CommandDislike, Excerpt: excerpt}, true
	case "ignore":
		return Command{Kind: CommandIgnore, Excerpt: excerpt}, true
	default:
		return Command{}, false
	}
}

func hasCommandPrefix(s string) bool {
	if !strings.HasPrefix(strings.ToLower(s), commandPrefix) {
		return false
	}
	rest := s[len(commandPrefix):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n'
}
