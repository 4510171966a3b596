package tracking

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
)

// NormalizeDocument переводит сырые поля снапшота в типизированный документ.
// Граница нетипизированных данных: дальше этой функции map[string]any не
// уходит. Непарсибельная дата считается отсутствующей, ошибок нет.
func NormalizeDocument(subject models.TrackingSubject, fields map[string]any, deleted bool) *models.Document {
	doc := &models.Document{
		Subject: subject,
		Deleted: deleted,
	}
	if fields == nil {
		return doc
	}

	doc.OrderNumber = asString(fields["orderNumber"])
	doc.StatusRaw = asString(fields["status"])
	doc.Status, _ = models.CanonicalStatus(doc.StatusRaw)

	doc.CreatedAt = NormalizeTimestamp(fields["createdAt"])
	doc.UpdatedAt = NormalizeTimestamp(fields["updatedAt"])
	doc.LastLocationUpdate = NormalizeTimestamp(fields["lastLocationUpdate"])

	doc.RunnerID = asString(fields["runnerId"])
	doc.RunnerName = asString(fields["runnerName"])
	doc.RunnerPhone = asString(fields["runnerPhone"])
	doc.RunnerAvatar = asString(fields["runnerAvatar"])
	doc.RunnerRating = asFloat(fields["runnerRating"])

	if m, ok := fields["runnerLocation"].(map[string]any); ok {
		pos := models.RunnerPosition{
			Latitude:  asFloat(m["latitude"]),
			Longitude: asFloat(m["longitude"]),
		}
		if h, ok := m["heading"]; ok {
			v := asFloat(h)
			pos.Heading = &v
		}
		doc.RunnerLocation = &pos
	}

	doc.Store = asParty(fields["store"])
	doc.Customer = asParty(fields["customer"])

	if list, ok := fields["statusHistory"].([]any); ok {
		for _, raw := range list {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			entry := models.StatusEntry{
				Status:      asString(m["status"]),
				Description: asString(m["description"]),
			}
			if ts := NormalizeTimestamp(m["timestamp"]); ts != nil {
				entry.Timestamp = *ts
			}
			doc.StatusHistory = append(doc.StatusHistory, entry)
		}
	}

	if m, ok := fields["tracking"].(map[string]any); ok {
		doc.Tracking = make(map[string]bool, len(m))
		for k, v := range m {
			b, _ := v.(bool)
			doc.Tracking[k] = b
		}
	}

	return doc
}

// NormalizeTimestamp принимает все исторические представления времени:
// native time, ISO-строки, epoch секунды/миллисекунды, серверные объекты
// {seconds, nanos}. Ничего не распарсилось — nil.
func NormalizeTimestamp(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		u := t.UTC()
		return &u
	case *time.Time:
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				u := parsed.UTC()
				return &u
			}
		}
		slog.Warn("unparseable timestamp string, treating as absent", "value", t)
		return nil
	case float64:
		return epochToTime(t)
	case int64:
		return epochToTime(float64(t))
	case int:
		return epochToTime(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		return epochToTime(f)
	case map[string]any:
		// Серверный timestamp: {seconds, nanos} или {_seconds, _nanoseconds}.
		secs, ok := t["seconds"]
		if !ok {
			secs, ok = t["_seconds"]
		}
		if !ok {
			return nil
		}
		nanos := t["nanos"]
		if nanos == nil {
			nanos = t["_nanoseconds"]
		}
		u := time.Unix(int64(asFloat(secs)), int64(asFloat(nanos))).UTC()
		return &u
	default:
		return nil
	}
}

func epochToTime(v float64) *time.Time {
	if v <= 0 {
		return nil
	}
	var u time.Time
	if v > 1e12 { // миллисекунды
		u = time.UnixMilli(int64(v)).UTC()
	} else {
		u = time.Unix(int64(v), 0).UTC()
	}
	return &u
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func asParty(v any) *models.Party {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	p := &models.Party{
		Name:      asString(m["name"]),
		Address:   asString(m["address"]),
		Latitude:  asFloat(m["latitude"]),
		Longitude: asFloat(m["longitude"]),
	}
	if ph := asString(m["phone"]); ph != "" {
		p.Phone = &ph
	}
	return p
}
