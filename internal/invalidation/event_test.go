package invalidation

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

func TestEvent_Validate_HappyPaths(t *testing.T) {
	for _, op := range []string{"insert", "update", "delete", "refresh"} {
		ev := Event{Version: 1, Op: op, Source: "parcels", TS: mustTS()}
		if err := ev.Validate(); err != nil {
			t.Fatalf("op %s: unexpected: %v", op, err)
		}
	}
	ev := Event{
		Version: 1, Op: "update", Source: "parcels", TS: mustTS(), Seq: 7,
		BBox: &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("bbox event: unexpected: %v", err)
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	base := func() Event { return Event{Version: 1, Op: "update", Source: "parcels", TS: mustTS()} }
	cases := map[string]struct {
		mut  func(*Event)
		want string
	}{
		"version":   {func(e *Event) { e.Version = 2 }, "version"},
		"op":        {func(e *Event) { e.Op = "invalidate" }, "op must be"},
		"source":    {func(e *Event) { e.Source = "  " }, "source"},
		"ts":        {func(e *Event) { e.TS = time.Time{} }, "ts"},
		"srid":      {func(e *Event) { e.BBox = &BBox{X1: 0, Y1: 0, X2: 1, Y2: 1, SRID: "EPSG:3857"} }, "srid"},
		"nan":       {func(e *Event) { e.BBox = &BBox{X1: math.NaN(), Y1: 0, X2: 1, Y2: 1, SRID: "EPSG:4326"} }, "finite"},
		"lon":       {func(e *Event) { e.BBox = &BBox{X1: 0, Y1: 0, X2: 181, Y2: 1, SRID: "EPSG:4326"} }, "longitude"},
		"lat":       {func(e *Event) { e.BBox = &BBox{X1: 0, Y1: -91, X2: 1, Y2: 1, SRID: "EPSG:4326"} }, "latitude"},
		"inverted":  {func(e *Event) { e.BBox = &BBox{X1: 11, Y1: 55, X2: 11, Y2: 56, SRID: "EPSG:4326"} }, "x2>x1"},
		"zero area": {func(e *Event) { e.BBox = &BBox{X1: 11, Y1: 56, X2: 12, Y2: 56, SRID: "EPSG:4326"} }, "y2>y1"},
	}
	for name, tc := range cases {
		ev := base()
		tc.mut(&ev)
		err := ev.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", name, err, tc.want)
		}
	}
}

func TestEvent_JSONShape(t *testing.T) {
	raw := `{"version":1,"op":"refresh","source":"parcels","ts":"2026-03-14T09:26:53Z","seq":42}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Seq != 42 || ev.Source != "parcels" || !ev.TS.Equal(mustTS()) || ev.BBox != nil {
		t.Fatalf("decoded %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	b, err := json.Marshal(Event{Version: 1, Op: "insert", Source: "s", TS: mustTS()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "seq") || strings.Contains(string(b), "bbox") {
		t.Fatalf("zero seq and nil bbox should be omitted: %s", b)
	}
}
