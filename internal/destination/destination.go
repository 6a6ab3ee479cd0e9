package destination

import (
	"sort"
	"strings"
	"time"

	"courier/internal/config"
)

// Kind is the closed set of destination flavors.
//
// Each kind implies a message format (see Format) and a default health probe
// interval. Unknown kinds are rejected at config validation, so a switch over
// Kind never needs a silent default at delivery time.
type Kind int

const (
	KindBackend Kind = iota
	KindTelegram
	KindDiscord
	KindSlack
	KindEmail
)

func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindTelegram:
		return "telegram"
	case KindDiscord:
		return "discord"
	case KindSlack:
		return "slack"
	case KindEmail:
		return "email"
	default:
		return "unknown"
	}
}

// IsChannel reports whether the kind is a notification channel
// (as opposed to a backend replica).
func (k Kind) IsChannel() bool { return k != KindBackend }

func parseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "telegram":
		return KindTelegram
	case "discord":
		return KindDiscord
	case "slack":
		return KindSlack
	case "email":
		return KindEmail
	default:
		return KindBackend
	}
}

// Destination is a named delivery target. Immutable after registry build;
// mutable per-destination state (breaker, bucket, pool slots, batch queue)
// lives in the components keyed by Name.
type Destination struct {
	Name     string
	URL      string
	Kind     Kind
	Region   string
	Priority int

	RatePerSec float64
	RateBurst  int

	Batchable bool
	Fallbacks []string

	Token string

	HealthPath string
	ProbeEvery time.Duration
}

// Enabled reports whether the destination can accept sends at all.
// A channel kind without a credential, or any destination without a URL,
// is configured-but-disabled.
func (d *Destination) Enabled() bool {
	if d == nil || strings.TrimSpace(d.URL) == "" {
		return false
	}
	if d.Kind.IsChannel() && strings.TrimSpace(d.Token) == "" {
		return false
	}
	return true
}

// Registry resolves destination names and fallback chains.
// It is built once per config apply and safe for concurrent reads.
type Registry struct {
	byName map[string]*Destination
	all    []*Destination
}

func NewRegistry(cfgs []config.DestinationConfig) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Destination, len(cfgs))}
	for i := range cfgs {
		c := cfgs[i]
		d := &Destination{
			Name:       strings.TrimSpace(c.Name),
			URL:        strings.TrimRight(strings.TrimSpace(c.URL), "/"),
			Kind:       parseKind(c.Kind),
			Region:     c.Region,
			Priority:   c.Priority,
			RatePerSec: c.RatePerSec,
			RateBurst:  c.RateBurst,
			Batchable:  c.Batchable,
			Fallbacks:  append([]string(nil), c.Fallbacks...),
			Token:      c.Token,
			HealthPath: c.HealthPath,
		}
		if d.RatePerSec <= 0 {
			d.RatePerSec = 10
		}
		if d.RateBurst <= 0 {
			d.RateBurst = int(d.RatePerSec)
			if d.RateBurst < 1 {
				d.RateBurst = 1
			}
		}
		if strings.TrimSpace(d.HealthPath) == "" {
			d.HealthPath = "/health"
		}
		probe, err := config.ParseDurationField("probe_every", c.ProbeEvery)
		if err != nil {
			return nil, err
		}
		if probe <= 0 {
			if d.Kind.IsChannel() {
				probe = 60 * time.Second
			} else {
				probe = 30 * time.Second
			}
		}
		d.ProbeEvery = probe

		r.byName[d.Name] = d
		r.all = append(r.all, d)
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Destination, bool) {
	d, ok := r.byName[strings.TrimSpace(name)]
	return d, ok
}

// All returns every configured destination, enabled or not.
func (r *Registry) All() []*Destination {
	return append([]*Destination(nil), r.all...)
}

// FallbackChain returns the destination's enabled fallbacks ordered by
// priority rank (lower first). The destination itself is not included.
func (r *Registry) FallbackChain(d *Destination) []*Destination {
	if d == nil || len(d.Fallbacks) == 0 {
		return nil
	}
	out := make([]*Destination, 0, len(d.Fallbacks))
	for _, name := range d.Fallbacks {
		fb, ok := r.Get(name)
		if !ok || !fb.Enabled() || fb.Name == d.Name {
			continue
		}
		out = append(out, fb)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
