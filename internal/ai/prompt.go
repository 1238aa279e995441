package ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest marks a generation request that cannot be framed.
var ErrInvalidRequest = errors.New("invalid generation request")

type Action string

const (
	ActionComplete Action = "complete"
	ActionRefactor Action = "refactor"
	ActionExplain  Action = "explain"
	ActionDebug    Action = "debug"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionComplete, ActionRefactor, ActionExplain, ActionDebug:
		return a, nil
	case "":
		return ActionComplete, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, s)
	}
}

type Request struct {
	Code          string
	Language      string
	CursorContext string
	UserPrompt    string
	Action        Action
}

func (r Request) Validate() error {
	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Code) == "" && strings.TrimSpace(r.UserPrompt) == "" {
		return fmt.Errorf("%w: code or prompt is required", ErrInvalidRequest)
	}
	return nil
}

// BuildPrompt frames the request for its action. Completion continues from
// the cursor; the other actions work on the whole snippet.
func BuildPrompt(r Request) string {
	lang := r.Language
	if lang == "" {
		lang = "plaintext"
	}

	var b strings.Builder
	switch r.Action {
	case ActionRefactor:
		fmt.Fprintf(&b, "You are an expert %s engineer. Refactor the following code for readability and maintainability without changing its behavior.\n", lang)
		b.WriteString("Return only the refactored code, no commentary.\n")
		writeCode(&b, lang, r.Code)
	case ActionExplain:
		fmt.Fprintf(&b, "You are an expert %s engineer. Explain what the following code does, step by step, for a developer reading it for the first time.\n", lang)
		writeCode(&b, lang, r.Code)
	case ActionDebug:
		fmt.Fprintf(&b, "You are an expert %s engineer. Find bugs in the following code, explain each one and show the corrected code.\n", lang)
		writeCode(&b, lang, r.Code)
	default:
		fmt.Fprintf(&b, "You are an expert %s engineer. Continue the code from the cursor position.\n", lang)
		b.WriteString("Return only the code to insert at the cursor, no commentary and no repetition of existing code.\n")
		writeCode(&b, lang, r.Code)
		if r.CursorContext != "" {
			b.WriteString("Code immediately before the cursor:\n")
			writeCode(&b, lang, r.CursorContext)
		}
	}

	if p := strings.TrimSpace(r.UserPrompt); p != "" {
		b.WriteString("Additional instructions from the user:\n")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}

func writeCode(b *strings.Builder, lang, code string) {
	b.WriteString("```")
	b.WriteString(lang)
	b.WriteString("\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
}
