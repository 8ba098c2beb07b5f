package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/event"
)

// ContentTypeJSON and ContentTypeNDJSON are the two accepted ingestion
// payload shapes.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"
)

// ParseBatch stream-parses the request body as either a JSON array or
// newline-delimited JSON, enforcing per-event size and batch-size limits
// while parsing so an oversized payload never fully buffers in memory.
func ParseBatch(body io.Reader, contentType string, maxEventBytes int64, maxBatchEvents int) ([]event.Event, error) {
	switch contentType {
	case ContentTypeNDJSON:
		return parseNDJSON(body, maxEventBytes, maxBatchEvents)
	default:
		return parseJSONArray(body, maxEventBytes, maxBatchEvents)
	}
}

func parseNDJSON(body io.Reader, maxEventBytes int64, maxBatchEvents int) ([]event.Event, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(maxEventBytes)+1)

	var events []event.Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if int64(len(line)) > maxEventBytes {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("event at line %d exceeds %d byte limit", len(events)+1, maxEventBytes))
		}
		if len(events) >= maxBatchEvents {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("batch exceeds %d event limit", maxBatchEvents))
		}

		var e event.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("malformed event at line %d: %v", len(events)+1, err))
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("event exceeds %d byte limit", maxEventBytes))
		}
		return nil, apierr.Wrap(apierr.CodePayloadInvalid, "failed to read request body", err)
	}
	return events, nil
}

func parseJSONArray(body io.Reader, maxEventBytes int64, maxBatchEvents int) ([]event.Event, error) {
	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return nil, apierr.New(apierr.CodePayloadInvalid, "request body is not a JSON array")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, apierr.New(apierr.CodePayloadInvalid, "request body must be a JSON array of events")
	}

	var events []event.Event
	for dec.More() {
		if len(events) >= maxBatchEvents {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("batch exceeds %d event limit", maxBatchEvents))
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("malformed event at index %d: %v", len(events), err))
		}
		if int64(len(raw)) > maxEventBytes {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("event at index %d exceeds %d byte limit", len(events), maxEventBytes))
		}

		var e event.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, apierr.New(apierr.CodePayloadInvalid, fmt.Sprintf("malformed event at index %d: %v", len(events), err))
		}
		events = append(events, e)
	}

	return events, nil
}
