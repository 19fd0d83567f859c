package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/sysutil"
)

// History is the read-only list of prior attempts for one (recipient, order)
// pair, oldest first.
type History []domain.MessageRecord

// HasSuccess reports whether any attempt of type t succeeded.
func (h History) HasSuccess(t domain.MessageType) bool {
	_, ok := h.LastSuccess(t)
	return ok
}

// LastSuccess returns the most recent successful attempt of type t.
func (h History) LastSuccess(t domain.MessageType) (domain.MessageRecord, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].MessageType == t && h[i].Succeeded {
			return h[i], true
		}
	}
	return domain.MessageRecord{}, false
}

// LastSuccessAny returns the most recent successful attempt of any type.
func (h History) LastSuccessAny() (domain.MessageRecord, bool) {
	var (
		best  domain.MessageRecord
		found bool
	)
	for _, r := range h {
		if r.Succeeded && (!found || r.SentAtMs >= best.SentAtMs) {
			best, found = r, true
		}
	}
	return best, found
}

// Attempts counts every attempt of type t regardless of outcome.
func (h History) Attempts(t domain.MessageType) int {
	n := 0
	for _, r := range h {
		if r.MessageType == t {
			n++
		}
	}
	return n
}

// Fields merges order data and source data. Order data wins when a key is
// present in both.
type Fields struct {
	order  map[string]string
	source map[string]string
}

// NewFields wraps the two caller maps. Either may be nil.
func NewFields(order, source map[string]string) Fields {
	return Fields{order: order, source: source}
}

// Get returns the trimmed value of name. Blank values count as absent.
func (f Fields) Get(name string) (string, bool) {
	for _, m := range []map[string]string{f.order, f.source} {
		if v, ok := m[name]; ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// Has reports whether name carries a non-blank value.
func (f Fields) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Flag reports whether name is set to an affirmative value in either map.
func (f Fields) Flag(name string) bool {
	if name == "" {
		return false
	}
	for _, m := range []map[string]string{f.order, f.source} {
		if sysutil.IsAffirmative(m[name]) {
			return true
		}
	}
	return false
}

// ParseAmount reads a money value as typed by humans: currency symbols,
// spaces and thousands separators are ignored. The last of '.' or ','
// followed by one or two digits is taken as the decimal separator.
func ParseAmount(s string) (float64, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	raw := b.String()
	if raw == "" {
		return 0, false
	}

	dec := strings.LastIndexAny(raw, ".,")
	if dec >= 0 {
		if frac := len(raw) - dec - 1; frac == 1 || frac == 2 {
			raw = strings.NewReplacer(".", "", ",", "").Replace(raw[:dec]) + "." + raw[dec+1:]
		} else {
			raw = strings.NewReplacer(".", "", ",", "").Replace(raw)
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func sinceMs(now time.Time, ms int64) time.Duration {
	return now.Sub(time.UnixMilli(ms))
}
