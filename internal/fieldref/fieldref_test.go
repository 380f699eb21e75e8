package fieldref

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jittakal/kafeventsink/pkg/event"
)

func testRecord() *event.Record {
	ts := time.Date(2025, 3, 7, 14, 5, 9, 123000000, time.UTC)
	return &event.Record{
		Event: &event.CloudEvent{
			ID:          "evt-1",
			Source:      "web",
			SpecVersion: "1.0",
			Type:        "access.log",
			Time:        &ts,
			Data:        json.RawMessage(`{"host":"web1","status":200,"ok":true,"req":{"path":"/a"}}`),
		},
		Kafka: event.KafkaMetadata{Topic: "logs", Partition: 2, Offset: 10},
	}
}

func TestHasRef(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/logs/%{host}/app.log", true},
		{"/logs/%{+yyyy}/app.log", true},
		{"/logs/app.log", false},
		{"/logs/%{}/app.log", false},
		{"100%", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, HasRef(tt.in))
		})
	}
}

func TestIndex(t *testing.T) {
	assert.Equal(t, 6, Index("/logs/%{host}/app.log"))
	assert.Equal(t, -1, Index("/logs/app.log"))
	assert.Equal(t, 11, Index("/logs/a/b-c%{[data][x/y]}"))
}

func TestExpand(t *testing.T) {
	rec := testRecord()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"no references", "/logs/app.log", "/logs/app.log"},
		{"data key", "/logs/%{host}/app.log", "/logs/web1/app.log"},
		{"attribute", "%{type}-%{source}", "access.log-web"},
		{"nested path", "%{[data][req][path]}", "/a"},
		{"number", "status=%{status}", "status=200"},
		{"bool", "ok=%{ok}", "ok=true"},
		{"object renders as json", "%{req}", `{"path":"/a"}`},
		{"kafka metadata", "%{[kafka][topic]}/%{[kafka][partition]}", "logs/2"},
		{"missing field left verbatim", "/logs/%{nope}/app.log", "/logs/%{nope}/app.log"},
		{"event time", "/logs/%{+yyyy-MM-dd}/%{+HH}.log", "/logs/2025-03-07/14.log"},
		{"epoch seconds", "%{+%s}", "1741356309"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.template, rec))
		})
	}
}

func TestExpand_FallsBackToKafkaTimestamp(t *testing.T) {
	rec := &event.Record{
		Event: &event.CloudEvent{ID: "x"},
		Kafka: event.KafkaMetadata{Timestamp: time.Date(2024, 12, 31, 23, 0, 0, 0, time.FixedZone("X", 3600))},
	}

	assert.Equal(t, "2024-12-31T22", Expand("%{+yyyy-MM-dd'T'HH}", rec))
}

func TestFormatJoda(t *testing.T) {
	ts := time.Date(2025, 3, 7, 14, 5, 9, 123456789, time.UTC)

	tests := []struct {
		pattern string
		want    string
	}{
		{"yyyy-MM-dd", "2025-03-07"},
		{"YYYY.MM.dd", "2025.03.07"},
		{"yy", "25"},
		{"M/d", "3/7"},
		{"MMM", "Mar"},
		{"MMMM", "March"},
		{"HH:mm:ss", "14:05:09"},
		{"hh a", "02 PM"},
		{"SSS", "123"},
		{"SSSSSS", "123456"},
		{"EEE", "Fri"},
		{"EEEE", "Friday"},
		{"DDD", "066"},
		{"Z", "+0000"},
		{"ZZ", "+00:00"},
		{"yyyy'T'HH", "2025T14"},
		{"'at' HH 'o''clock'", "at 14 o'clock"},
		{"''", "'"},
		{"dd_x", "07_x"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatJoda(ts, tt.pattern))
		})
	}
}

func TestFormatJoda_Midnight(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "12 AM", FormatJoda(ts, "hh a"))
}
