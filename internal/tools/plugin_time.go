package tools

import (
	"context"
	"fmt"
	"time"
)

// TimePlugin reports the current date and time. The result goes back
// through the LLM so the answer matches the user's phrasing.
type TimePlugin struct{}

func NewTimePlugin() *TimePlugin { return &TimePlugin{} }

func (p *TimePlugin) Name() string { return "get_current_time" }

func (p *TimePlugin) Description() string {
	return "Gets the current date, time and weekday. Use when the user asks what time or day it is."
}

func (p *TimePlugin) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (p *TimePlugin) Execute(ctx context.Context, args map[string]any) (Result, error) {
	now := time.Now()
	return Result{
		Action: ActionRequestLLM,
		Result: fmt.Sprintf("Current time: %s, %s",
			now.Format("2006-01-02 15:04"), now.Weekday()),
	}, nil
}
