package reviewer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// CommandReviewer runs a headless reviewer CLI as a subprocess. The CLI is
// expected to emit line-delimited JSON events on stdout; assistant text is
// collected from them. The context deadline kills the process, which is the
// only cancellation the backend supports.
type CommandReviewer struct {
	// Binary is the reviewer executable, e.g. "opencode".
	Binary string

	// Args precede the prompt argument, e.g. ["run", "--format", "json"].
	Args []string

	// Env entries are appended to the inherited environment. Provider API
	// keys travel here and must never appear in logs.
	Env []string

	Logger zerolog.Logger
}

type commandEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Text    string `json:"text"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error *struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

func (r *CommandReviewer) Review(ctx context.Context, req Request) (*Result, error) {
	prompt := buildFullPrompt(req)

	args := append(append([]string{}, r.Args...), prompt)
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Env = append(os.Environ(), r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug().Str("binary", r.Binary).Int("prompt_bytes", len(prompt)).Msg("starting reviewer subprocess")

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
	}

	text, err := extractAssistantText(stdout.Bytes())
	if err != nil {
		return nil, &Error{Kind: KindUnusable, Err: err}
	}
	if text == "" {
		msg := strings.TrimSpace(stderr.String())
		if runErr != nil {
			return nil, &Error{Kind: KindUnusable, Err: fmt.Errorf("reviewer exited: %w (stderr: %s)", runErr, msg)}
		}
		return nil, &Error{Kind: KindUnusable, Err: fmt.Errorf("no assistant text in reviewer output (stderr: %s)", msg)}
	}

	return &Result{ReviewText: text}, nil
}

// extractAssistantText collects assistant content from line-delimited JSON
// events. Non-JSON lines are skipped; an error event aborts extraction.
func extractAssistantText(out []byte) (string, error) {
	var chunks []string

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev commandEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		if ev.Type == "error" {
			msg := "reviewer error"
			if ev.Error != nil {
				if ev.Error.Data.Message != "" {
					msg = ev.Error.Data.Message
				} else if ev.Error.Name != "" {
					msg = ev.Error.Name
				}
			}
			return "", errors.New(msg)
		}

		if ev.Message != nil && ev.Message.Role == "assistant" {
			if c := strings.TrimSpace(ev.Message.Content); c != "" {
				chunks = append(chunks, c)
			}
			continue
		}
		if c := strings.TrimSpace(ev.Content); c != "" {
			chunks = append(chunks, c)
		}
		if c := strings.TrimSpace(ev.Text); c != "" {
			chunks = append(chunks, c)
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}

	return strings.Join(chunks, "\n\n"), nil
}

func buildFullPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if req.Diff != "" {
		b.WriteString("\n\n```diff\n")
		b.WriteString(req.Diff)
		b.WriteString("\n```\n")
	}
	if req.ExtraInstructions != "" {
		b.WriteString("\n")
		b.WriteString(req.ExtraInstructions)
	}
	return b.String()
}
