// Package metrics emits custom CloudWatch metrics from Lambda using the
// Embedded Metrics Format: a single structured JSON line on stdout that
// CloudWatch Logs extracts automatically. No API calls, no added request
// latency.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Namespace is the CloudWatch namespace for all try-on service metrics.
const Namespace = "VirtualTryOn"

// Units accepted by CloudWatch.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitNone         = "None"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

// Recorder accumulates metrics, dimensions, and searchable properties
// for one EMF document. Not safe for concurrent use; create one per
// handled request and Flush it once.
type Recorder struct {
	out        io.Writer
	dimensions map[string]string
	defs       []metricDef
	fields     map[string]interface{}
}

// New creates a Recorder writing to stdout. The FunctionName dimension
// is attached automatically when running inside Lambda.
func New() *Recorder {
	r := &Recorder{
		out:        os.Stdout,
		dimensions: make(map[string]string),
		fields:     make(map[string]interface{}),
	}
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		r.dimensions["FunctionName"] = fn
	}
	return r
}

// NewTo creates a Recorder writing to w. Used by tests.
func NewTo(w io.Writer) *Recorder {
	return &Recorder{
		out:        w,
		dimensions: make(map[string]string),
		fields:     make(map[string]interface{}),
	}
}

// Dimension adds an indexed dimension to every metric in this document.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Count records a count metric with value 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records an elapsed-time metric in milliseconds.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Metric records a named metric value with an explicit unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	for i, def := range r.defs {
		if def.Name == name {
			r.defs[i].Unit = unit
			r.fields[name] = value
			return r
		}
	}
	r.defs = append(r.defs, metricDef{Name: name, Unit: unit})
	r.fields[name] = value
	return r
}

// Property adds a searchable, non-metric field to the document.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.fields[key] = value
	return r
}

// Flush writes the EMF document as one JSON line. A Recorder with no
// metrics flushes nothing. The Recorder must not be reused afterwards.
func (r *Recorder) Flush() {
	if len(r.defs) == 0 {
		return
	}

	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}

	doc := map[string]interface{}{
		"_aws": map[string]interface{}{
			"Timestamp": time.Now().UnixMilli(),
			"CloudWatchMetrics": []map[string]interface{}{{
				"Namespace":  Namespace,
				"Dimensions": [][]string{dimKeys},
				"Metrics":    r.defs,
			}},
		},
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.fields {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emf: marshal failed: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, string(data))
}
