package broadcast

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "segcast/pkg/logx"
)

// Filters is the typed audience filter specification.
//
// Precedence rules, applied by normalize():
//   - All dominates: every other field is ignored.
//   - HasOrders wins over NoOrders when both are set.
//
// Banned recipients are excluded unconditionally by the directory, and an
// entirely empty filter matches nobody (campaign creation rejects it).
type Filters struct {
	All             bool      `json:"all,omitempty"`
	ActiveDays      int       `json:"active_days,omitempty"`
	HasOrders       bool      `json:"has_orders,omitempty"`
	NoOrders        bool      `json:"no_orders,omitempty"`
	MinOrders       int       `json:"min_orders,omitempty"`
	RegisteredAfter time.Time `json:"registered_after,omitempty"`
}

// Empty reports whether no filter field is set at all.
func (f Filters) Empty() bool {
	return !f.All && f.ActiveDays <= 0 && !f.HasOrders && !f.NoOrders &&
		f.MinOrders <= 0 && f.RegisteredAfter.IsZero()
}

func (f Filters) normalize() Filters {
	if f.All {
		return Filters{All: true}
	}
	if f.HasOrders {
		f.NoOrders = false
	}
	return f
}

// ParseFilters converts the boundary filter map into a typed Filters value.
//
// Unknown keys are ignored (forward compatible). Invalid values for known
// keys are ignored too, matching the directory's tolerance for operator
// input; a malformed registered_after date simply drops that condition.
// The result is normalized (dominance and precedence applied).
func ParseFilters(m map[string]any, log logx.Logger) Filters {
	var f Filters
	for k, v := range m {
		switch k {
		case "all":
			f.All = truthy(v)
		case "active_days":
			if n, ok := intval(v); ok && n > 0 {
				f.ActiveDays = n
			}
		case "has_orders":
			f.HasOrders = truthy(v)
		case "no_orders":
			f.NoOrders = truthy(v)
		case "min_orders":
			if n, ok := intval(v); ok && n > 0 {
				f.MinOrders = n
			}
		case "registered_after":
			s, _ := v.(string)
			t, err := parseDate(s)
			if err != nil {
				log.Warn("ignoring invalid registered_after filter", logx.String("value", fmt.Sprint(v)))
				continue
			}
			f.RegisteredAfter = t
		default:
			log.Debug("ignoring unknown filter key", logx.String("key", k))
		}
	}
	return f.normalize()
}

// parseDate accepts YYYY-MM-DD or full RFC 3339.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(x)
		return err == nil && b
	case float64:
		return x != 0
	case int:
		return x != 0
	case json.Number:
		n, err := x.Int64()
		return err == nil && n != 0
	}
	return false
}

func intval(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
