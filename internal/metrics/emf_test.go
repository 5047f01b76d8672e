package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestFlushEmitsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	NewTo(&buf).
		Dimension("Operation", "TryOn").
		Count("TryOnSubmitted").
		Duration("SubmitLatency", 1500*time.Millisecond).
		Property("sessionId", "abc").
		Flush()

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("EMF must be exactly one line, got: %q", out)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if doc["TryOnSubmitted"] != float64(1) {
		t.Errorf("expected TryOnSubmitted=1, got %v", doc["TryOnSubmitted"])
	}
	if doc["SubmitLatency"] != float64(1500) {
		t.Errorf("expected SubmitLatency=1500, got %v", doc["SubmitLatency"])
	}
	if doc["Operation"] != "TryOn" {
		t.Errorf("dimension value missing from top level: %v", doc["Operation"])
	}
	if doc["sessionId"] != "abc" {
		t.Errorf("property missing: %v", doc["sessionId"])
	}
	if _, ok := doc["_aws"]; !ok {
		t.Error("_aws directive missing")
	}
}

func TestFlushWithoutMetricsEmitsNothing(t *testing.T) {
	var buf bytes.Buffer
	NewTo(&buf).Dimension("Operation", "TryOn").Property("x", 1).Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestRepeatedMetricOverwrites(t *testing.T) {
	var buf bytes.Buffer
	NewTo(&buf).Metric("Polls", 1, UnitCount).Metric("Polls", 3, UnitCount).Flush()

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if doc["Polls"] != float64(3) {
		t.Errorf("expected last value to win, got %v", doc["Polls"])
	}

	aws := doc["_aws"].(map[string]interface{})
	cw := aws["CloudWatchMetrics"].([]interface{})[0].(map[string]interface{})
	if defs := cw["Metrics"].([]interface{}); len(defs) != 1 {
		t.Errorf("expected one metric definition, got %d", len(defs))
	}
}
