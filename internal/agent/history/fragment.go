package history

import (
	"strings"
	"time"
)

// Fragment renders text appended to the system prompt at request time.
// Rendered text is never stored in history.
type Fragment interface {
	Render(now time.Time) string
}

// FragmentFunc adapts a function to Fragment.
type FragmentFunc func(now time.Time) string

func (f FragmentFunc) Render(now time.Time) string { return f(now) }

// DefaultTimestampLayout is used by Timestamp when layout is empty.
const DefaultTimestampLayout = "Monday, 2006-01-02 15:04 MST"

// Timestamp injects the current time.
func Timestamp(layout string) Fragment {
	if strings.TrimSpace(layout) == "" {
		layout = DefaultTimestampLayout
	}
	return FragmentFunc(func(now time.Time) string {
		return "Current time: " + now.Format(layout)
	})
}

// Static injects fixed text.
func Static(text string) Fragment {
	return FragmentFunc(func(time.Time) string { return text })
}
