// Package prompts renders the LLM prompts of the pipeline through the Eino
// prompt component, so prompt callbacks fire for every render.
package prompts

import (
	"context"
	"embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/*.txt
var templates embed.FS

func mustTemplate(name string) string {
	b, err := templates.ReadFile("template/" + name)
	if err != nil {
		panic(fmt.Sprintf("prompts: missing template %s: %v", name, err))
	}
	return string(b)
}

var (
	intentSystem   = mustTemplate("intent.txt")
	intentUser     = mustTemplate("intent_user.txt")
	plannerSystem  = mustTemplate("planner.txt")
	plannerUser    = mustTemplate("planner_user.txt")
	probeVariants  = mustTemplate("probe_variants.txt")
	dataSystem     = mustTemplate("responder_data.txt")
	dataUser       = mustTemplate("responder_data_user.txt")
	historySystem  = mustTemplate("responder_history.txt")
	chitchatSystem = mustTemplate("responder_chitchat.txt")
	simpleUser     = mustTemplate("simple_user.txt")
)

// Rendered is a system and user message pair ready for llm.Request.
type Rendered struct {
	System string
	User   string
}

func render(ctx context.Context, name, system, user string, vars map[string]any) (Rendered, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("%s prompt render: %w", name, err)
	}
	if len(msgs) != 2 || msgs[0] == nil || msgs[1] == nil {
		return Rendered{}, fmt.Errorf("%s prompt render: unexpected result", name)
	}
	return Rendered{System: msgs[0].Content, User: msgs[1].Content}, nil
}
