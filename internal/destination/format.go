package destination

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Format renders an event into the wire body expected by the destination's
// kind. Backends receive the structured envelope untouched; notification
// channels receive their platform's message shape with a plain-text summary.
//
// The switch is exhaustive over Kind: adding a kind without a format arm is
// a compile-visible hole here, not a runtime lookup miss.
func (d *Destination) Format(eventType string, data map[string]any) ([]byte, error) {
	switch d.Kind {
	case KindBackend:
		return json.Marshal(map[string]any{
			"event": eventType,
			"data":  data,
			"ts":    time.Now().UTC().Format(time.RFC3339),
		})
	case KindTelegram:
		return json.Marshal(map[string]any{
			"text":       summarize(eventType, data),
			"parse_mode": "HTML",
		})
	case KindDiscord:
		return json.Marshal(map[string]any{
			"content": summarize(eventType, data),
		})
	case KindSlack:
		return json.Marshal(map[string]any{
			"text": summarize(eventType, data),
		})
	case KindEmail:
		return json.Marshal(map[string]any{
			"subject": subjectFor(eventType),
			"body":    summarize(eventType, data),
		})
	default:
		return nil, fmt.Errorf("destination %s: no formatter for kind %s", d.Name, d.Kind)
	}
}

func subjectFor(eventType string) string {
	switch eventType {
	case "trade":
		return "Trade executed"
	case "alert":
		return "Price alert"
	case "position":
		return "Position update"
	default:
		return "Notification: " + eventType
	}
}

// summarize renders "event | k=v | k=v" with keys sorted for stable output.
func summarize(eventType string, data map[string]any) string {
	var b strings.Builder
	b.WriteString(subjectFor(eventType))

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s=%v", k, data[k])
	}
	return b.String()
}
