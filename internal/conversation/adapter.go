// Package conversation turns client-supplied chat history into model input.
package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/capitalize-ai/tool-gateway/internal/llm"
	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/internal/tools"
)

var (
	// ErrEmptyConversation is returned for a request without messages.
	ErrEmptyConversation = errors.New("conversation has no messages")
	// ErrLastMessageNotUser is returned when the final message is not from
	// the user.
	ErrLastMessageNotUser = errors.New("Last message must be from user")
	// ErrUnknownRole is returned for a message whose role is not recognized.
	ErrUnknownRole = errors.New("unknown message role")
)

// Adapter normalizes conversations and prepends the system instruction.
type Adapter struct {
	systemPrompt string
}

// NewAdapter builds an Adapter whose system instruction lists decls.
func NewAdapter(decls []tools.Declaration) *Adapter {
	return &Adapter{systemPrompt: SystemPrompt(decls)}
}

// SystemPrompt returns the instruction prepended to every conversation.
func (a *Adapter) SystemPrompt() string {
	return a.systemPrompt
}

// Validate checks the invariants Normalize relies on without converting.
func Validate(raw []model.Message) error {
	if len(raw) == 0 {
		return ErrEmptyConversation
	}
	for i, msg := range raw {
		if !msg.Role.Valid() {
			return fmt.Errorf("%w %q at /messages/%d", ErrUnknownRole, msg.Role, i)
		}
	}
	if raw[len(raw)-1].Role != model.RoleUser {
		return ErrLastMessageNotUser
	}
	return nil
}

// Normalize converts raw into model messages. Structured content becomes
// canonical JSON text and tool messages are replayed as assistant turns.
func (a *Adapter) Normalize(raw []model.Message) ([]llm.Message, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	out := make([]llm.Message, 0, len(raw)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt})
	for _, msg := range raw {
		out = append(out, llm.Message{
			Role:    mapRole(msg.Role),
			Content: msg.Content.String(),
		})
	}
	return out, nil
}

func mapRole(r model.Role) string {
	switch r {
	case model.RoleUser:
		return llm.RoleUser
	case model.RoleAssistant, model.RoleTool:
		return llm.RoleAssistant
	default:
		return llm.RoleSystem
	}
}

// SystemPrompt renders the tool policy for decls.
func SystemPrompt(decls []tools.Declaration) string {
	var b strings.Builder

	b.WriteString("You are a helpful assistant with access to real-time data tools. Follow these rules:\n\n")
	b.WriteString("1. ALWAYS call a tool for questions about weather, Formula 1 or stock prices.\n")
	b.WriteString("2. NEVER answer those topics from memory without calling the matching tool first.\n")
	b.WriteString("3. After a tool returns, answer conversationally using its result.\n")
	b.WriteString("4. If a tool reports an error, tell the user plainly and suggest what they could try instead.\n")
	b.WriteString("5. Offer a relevant follow-up question when it adds value.\n")

	if len(decls) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, d := range decls {
			fmt.Fprintf(&b, "- %s (%s): %s\n", d.Name, d.Category, firstSentence(d.Description))
		}
	}

	if hasTool(decls, tools.GetF1SessionResults) {
		b.WriteString("\nYou may chain tools when one result feeds another:\n")
		b.WriteString("- Find a session with getF1Sessions, then call getF1SessionResults with its session_key.\n")
		b.WriteString("- Look up results with getF1SessionResults, then call getF1Drivers with a driver_number for details.\n")
		b.WriteString("- Find a driver with getF1Drivers, then call getF1SessionResults with the session_key.\n")
		b.WriteString("\nExample: for \"What happened during the sprint race in China?\" call getF1Sessions to find the China sprint, ")
		b.WriteString("then getF1SessionResults with that session_key, then summarize the race.\n")
	}

	return b.String()
}

func hasTool(decls []tools.Declaration, name string) bool {
	for _, d := range decls {
		if d.Name == name {
			return true
		}
	}
	return false
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}
