package activation

import "time"

// Settings is one enrollment entry stored under a code key in the owner's
// activation settings map. It crosses a JSON column, so decoding tolerates
// the float64 numbers the round-trip produces.
type Settings struct {
	UserType      string
	Locale        string
	SymbolLibrary string
	HomeBoard     string
	ExpiresAt     time.Time
	Limit         int
	UsedCount     int
	Disabled      bool
	Sponsored     bool
	Premium       bool
	Supervisors   []string
}

func (s Settings) toMap() map[string]any {
	m := map[string]any{
		"user_type":  s.UserType,
		"limit":      s.Limit,
		"used_count": s.UsedCount,
		"disabled":   s.Disabled,
	}
	if s.Locale != "" {
		m["locale"] = s.Locale
	}
	if s.SymbolLibrary != "" {
		m["symbol_library"] = s.SymbolLibrary
	}
	if s.HomeBoard != "" {
		m["home_board"] = s.HomeBoard
	}
	if !s.ExpiresAt.IsZero() {
		m["expires_at"] = s.ExpiresAt.Format(time.RFC3339)
	}
	if s.Sponsored {
		m["sponsored"] = true
	}
	if s.Premium {
		m["premium"] = true
	}
	if len(s.Supervisors) > 0 {
		sups := make([]any, len(s.Supervisors))
		for i, id := range s.Supervisors {
			sups[i] = id
		}
		m["supervisors"] = sups
	}
	return m
}

func settingsFromMap(m map[string]any) Settings {
	s := Settings{
		UserType:      stringAt(m, "user_type"),
		Locale:        stringAt(m, "locale"),
		SymbolLibrary: stringAt(m, "symbol_library"),
		HomeBoard:     stringAt(m, "home_board"),
		Limit:         intAt(m, "limit"),
		UsedCount:     intAt(m, "used_count"),
		Disabled:      boolAt(m, "disabled"),
		Sponsored:     boolAt(m, "sponsored"),
		Premium:       boolAt(m, "premium"),
	}
	if raw := stringAt(m, "expires_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.ExpiresAt = t
		}
	}
	if raw, ok := m["supervisors"].([]any); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok {
				s.Supervisors = append(s.Supervisors, id)
			}
		}
	} else if ids, ok := m["supervisors"].([]string); ok {
		s.Supervisors = append(s.Supervisors, ids...)
	}
	return s
}

// expired reports whether the entry's expiry has passed.
func (s Settings) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// exhausted reports whether the usage limit has been reached. Limit 0
// means unlimited.
func (s Settings) exhausted() bool {
	return s.Limit > 0 && s.UsedCount >= s.Limit
}

func stringAt(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolAt(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func intAt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
