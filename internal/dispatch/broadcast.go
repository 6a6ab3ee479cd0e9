package dispatch

import (
	"context"
	"fmt"
	"sync"

	logx "courier/pkg/logx"
)

// Outcome is one destination's result within a broadcast.
type Outcome struct {
	Destination string `json:"destination"`
	Success     bool   `json:"success"`
	Value       []byte `json:"value,omitempty"`
	Err         error  `json:"-"`
}

// Broadcast formats the event per destination kind and sends to every named
// destination concurrently. Each destination has its own limiter, circuit
// and outcome; one failing never fails the broadcast. Outcomes come back in
// the same order as names. Destinations that are unknown or missing
// credentials report ErrNotConfigured.
func (d *Dispatcher) Broadcast(ctx context.Context, eventType string, data map[string]any, names []string, opts SendOptions) []Outcome {
	outcomes := make([]Outcome, len(names))

	var wg sync.WaitGroup
	reg := d.registry()
	for i, name := range names {
		dest, ok := reg.Get(name)
		if !ok || !dest.Enabled() {
			outcomes[i] = Outcome{Destination: name, Err: fmt.Errorf("%s: %w", name, ErrNotConfigured)}
			continue
		}

		payload, err := dest.Format(eventType, data)
		if err != nil {
			outcomes[i] = Outcome{Destination: name, Err: err}
			continue
		}

		wg.Add(1)
		go func(i int, name string, payload []byte) {
			defer wg.Done()
			body, err := d.Send(ctx, name, payload, opts)
			outcomes[i] = Outcome{
				Destination: name,
				Success:     err == nil,
				Value:       body,
				Err:         err,
			}
		}(i, name, payload)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.Err != nil {
			d.log.Debug("broadcast outcome",
				logx.String("destination", o.Destination),
				logx.String("event", eventType),
				logx.Err(o.Err),
			)
		}
	}
	return outcomes
}
