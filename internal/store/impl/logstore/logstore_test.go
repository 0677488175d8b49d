package logstore

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/store"
)

func TestPutWritesLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewStore(&buf)
	l.Put(store.HistoryRecord{EntityId: 7, Latitude: 27.17, Longitude: 78.04, Status: geofence.Safe, ServerTime: time.Now()})
	out := buf.String()
	for _, want := range []string{`"entity_id":7`, `"status":"Safe"`, `"module":"history"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("want one line, got %q", out)
	}
}
