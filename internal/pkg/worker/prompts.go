package worker

import (
	"fmt"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/api"
)

const promptHeader = "Answer with a single JSON object only, no prose, no code fences.\n"

var stagePrompts = map[string]string{
	api.StageOverview: promptHeader +
		`Summarize the text below. Schema: {"summary": string, "topics": [string]}.` + "\n\nText:\n%s",
	api.StageKeyPoints: promptHeader +
		`Extract the main points of the text below. Schema: {"points": [string]}.` + "\n\nText:\n%s",
	api.StageFactCheck: promptHeader +
		`List checkable claims from the text below with a verdict for each.
Schema: {"claims": [{"claim": string, "verdict": "supported"|"unsupported"|"unclear", "note": string}]}.` +
		"\n\nText:\n%s",
}

func stagePrompt(stage, text string) string {
	return fmt.Sprintf(stagePrompts[stage], text)
}
