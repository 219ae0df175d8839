package separation

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp accepts the engine's created_at/completed_at in ISO-8601 (with or
// without zone) or as unix seconds. Unparseable values leave Valid false.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time, t.Valid = parsed, true
				return nil
			}
		}
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return nil
	}
	whole, frac := math.Modf(secs)
	t.Time, t.Valid = time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
