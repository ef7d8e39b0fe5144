// Package ingest decodes audit events submitted over HTTP or read from
// replay files.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"vigil/core"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Content types accepted by Decode.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeNDJSON  = "application/x-ndjson"
)

const (
	// MaxBatchSize bounds the number of events in one request.
	MaxBatchSize = 1000
	// maxNestingDepth bounds nested maps and lists inside one event.
	maxNestingDepth = 20
	maxLineSize     = 1024 * 1024
)

var (
	// ErrUnsupportedContentType is returned for bodies that are neither JSON
	// nor msgpack.
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrEmptyBatch is returned when the body holds no events.
	ErrEmptyBatch = errors.New("no events in request")
	// ErrBatchTooLarge is returned when a body holds more than MaxBatchSize events.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d events", MaxBatchSize)
)

// Decode parses a request body into events. A body may hold a single
// record or an array of records. Missing event ids are generated and
// missing timestamps are set to now.
func Decode(contentType string, body []byte, now time.Time) ([]*core.Event, error) {
	mediaType := ContentTypeJSON
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
		}
		mediaType = mt
	}

	var raw interface{}
	switch mediaType {
	case ContentTypeJSON, "text/json":
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if dec.More() {
			return nil, fmt.Errorf("invalid JSON: trailing data after first value")
		}
	case ContentTypeMsgpack, "application/x-msgpack":
		if err := msgpack.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("invalid msgpack: %w", err)
		}
	case ContentTypeNDJSON:
		return DecodeLines(bytes.NewReader(body), now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, mediaType)
	}
	return fromRaw(raw, now)
}

// DecodeLines reads one JSON record per line. Blank lines and lines
// starting with # are skipped.
func DecodeLines(r io.Reader, now time.Time) ([]*core.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var events []*core.Event
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		e, err := fromRecord(m, now)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func fromRaw(raw interface{}, now time.Time) ([]*core.Event, error) {
	var records []interface{}
	switch v := raw.(type) {
	case []interface{}:
		records = v
	default:
		records = []interface{}{v}
	}
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(records) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	events := make([]*core.Event, 0, len(records))
	for i, rec := range records {
		m, ok := asRecord(rec)
		if !ok {
			return nil, fmt.Errorf("event %d: expected an object, got %T", i, rec)
		}
		e, err := fromRecord(m, now)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func asRecord(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func fromRecord(m map[string]interface{}, now time.Time) (*core.Event, error) {
	normalized, err := normalize(m, 0)
	if err != nil {
		return nil, err
	}
	e, err := core.EventFromMap(normalized.(map[string]interface{}))
	if err != nil {
		return nil, err
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	return e, nil
}

// normalize rejects pathologically nested records and turns json.Number
// values into float64.
func normalize(v interface{}, depth int) (interface{}, error) {
	if depth > maxNestingDepth {
		return nil, fmt.Errorf("maximum nesting depth %d exceeded", maxNestingDepth)
	}
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, nil
		}
		return val.String(), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return v, nil
}
