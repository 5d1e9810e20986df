package agent

import (
	"regexp"
	"strings"
)

const finalAnswerMarker = "Final Answer:"

// Action is the next move parsed from a model reply: Finish or ToolCall.
type Action interface {
	action()
}

// Finish ends the loop with an answer.
type Finish struct {
	Answer string
}

// ToolCall asks the loop to run a tool.
type ToolCall struct {
	Thought string
	Tool    string
	Input   string
}

func (Finish) action()   {}
func (ToolCall) action() {}

var (
	actionRe      = regexp.MustCompile(`(?is)\bAction\s*\d*\s*:[ \t]*(.*?)[ \t]*(?:\n|$)`)
	actionInputRe = regexp.MustCompile(`(?is)\bAction\s*\d*\s*Input\s*\d*\s*:[ \t]*(.*)`)
	observationRe = regexp.MustCompile(`(?i)\n\s*Observation\s*:`)
)

// ParseAction interprets a model reply in the Thought/Action/Action Input format.
// A reply with a final answer finishes; a reply naming an action becomes a tool
// call; anything else is taken as the final answer itself. Everything from an
// Observation line after the action onward is dropped, final answer included.
func ParseAction(reply string) Action {
	if act := actionRe.FindStringIndex(reply); act != nil {
		if obs := observationRe.FindStringIndex(reply); obs != nil && obs[0] > act[0] {
			reply = reply[:obs[0]]
		}
	}

	if i := strings.LastIndex(reply, finalAnswerMarker); i >= 0 {
		return Finish{Answer: strings.TrimSpace(reply[i+len(finalAnswerMarker):])}
	}

	loc := actionRe.FindStringSubmatchIndex(reply)
	if loc == nil {
		return Finish{Answer: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(reply), "Thought:"))}
	}

	thought := strings.TrimSpace(reply[:loc[0]])
	thought = strings.TrimSpace(strings.TrimPrefix(thought, "Thought:"))
	tool := strings.Trim(strings.TrimSpace(reply[loc[2]:loc[3]]), "`\"'[]")

	var input string
	if m := actionInputRe.FindStringSubmatch(reply[loc[0]:]); m != nil {
		input = m[1]
		if obs := observationRe.FindStringIndex(input); obs != nil {
			input = input[:obs[0]]
		}
		input = strings.TrimSpace(input)
		input = strings.Trim(input, "\"`")
		input = strings.TrimSpace(input)
	}

	return ToolCall{Thought: thought, Tool: tool, Input: input}
}
