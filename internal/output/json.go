package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/SiteScape/internal/models"
)

// JSONWriter writes output in JSON format. In stream mode every event and
// log entry is written as one JSON line.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
	stream bool
	closed bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	return &JSONWriter{
		writer: w,
		pretty: pretty,
		stream: stream,
	}
}

// WriteManifest writes the manifest. Stream mode wraps it in a
// "manifest" event.
func (j *JSONWriter) WriteManifest(m *Manifest) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if j.stream {
		return j.write(StreamEvent{Type: "manifest", Data: m}, false)
	}
	return j.write(m, j.pretty)
}

// WriteEvent writes a progress event in streaming mode.
func (j *JSONWriter) WriteEvent(event *models.Event) error {
	return j.writeStream("progress", event)
}

// WriteLog writes a log entry in streaming mode.
func (j *JSONWriter) WriteLog(entry *models.LogEntry) error {
	return j.writeStream("log", entry)
}

func (j *JSONWriter) writeStream(kind string, data interface{}) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(StreamEvent{Type: kind, Data: data}, false)
}

// write must be called with j.mu held. Stream lines are never indented.
func (j *JSONWriter) write(v interface{}, pretty bool) error {
	var data []byte
	var err error

	if pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}

	if _, err = j.writer.Write(data); err != nil {
		return err
	}
	_, err = j.writer.Write([]byte("\n"))
	return err
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if closer, ok := j.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// StreamEvent represents a streaming output event.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}
