package agent

import (
	"fmt"
	"time"
)

// SystemPrompt builds the system prompt for one exchange. It names the
// current time and the owner's timezone, and asks for Signal-style
// formatting since replies are rendered by a chat client.
func SystemPrompt(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("You are Occam, a concise personal assistant. "+
		"The current date and time is %s. "+
		"The user's timezone is %s. Use this for all calendar events unless specified otherwise. "+
		"You have access to the user's calendar and to web search. Be brief. "+
		"When the user asks you to do something and you have a tool for it, use the tool. "+
		"Do not ask for confirmation unless the request is ambiguous. "+
		"Use Signal formatting: *italic*, **bold**, ~strikethrough~, `monospace`.",
		now.In(loc).Format("Monday, January 02, 2006 03:04 PM MST"),
		loc.String(),
	)
}
