// Package printer runs one-shot agent invocations, parses their stream-json
// stdout into typed marker chunks, and enqueues successful runs for merge.
package printer

import (
	"bytes"
	"encoding/json"

	"github.com/zjrosen/orchard/internal/log"
)

// Marker grammar for the persisted chunk stream. The UI recovers the prompt,
// tool uses, and outputs from these markers without re-parsing agent JSON.
const (
	markerPrompt = "@@PROMPT@@"
	markerText   = "@@TEXT@@"
	markerOutput = "@@OUTPUT@@"
	markerStderr = "@@STDERR@@"
	markerEnd    = "@@END@@"
)

// resultContentLimit truncates overlong result content fields.
const resultContentLimit = 500

// queryPreviewLimit truncates Task tool prompts in markers.
const queryPreviewLimit = 100

// Parser converts the agent's one-JSON-object-per-line stdout into marker
// chunks. A line buffer carries partial frames across reads.
type Parser struct {
	buf  bytes.Buffer
	sink func(chunk string)
}

// NewParser creates a Parser emitting chunks through sink.
func NewParser(sink func(chunk string)) *Parser {
	return &Parser{sink: sink}
}

// Feed consumes a block of stdout bytes, emitting chunks for every complete
// line. Partial trailing frames wait in the buffer for their newline.
func (p *Parser) Feed(data []byte) {
	p.buf.Write(data)
	for {
		raw := p.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		p.buf.Next(idx + 1)
		p.parseLine(bytes.TrimSpace(line))
	}
}

// rawEvent is the superset of stream-json events the parser recognises.
type rawEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result json.RawMessage `json:"result"`
	Delta  *struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// resultPayload is the object form of a result event's result field.
type resultPayload struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Output  string `json:"output"`
	Content string `json:"content"`
}

func (p *Parser) parseLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var event rawEvent
	if err := json.Unmarshal(line, &event); err != nil {
		log.Debug(log.CatPrinter, "dropping unparseable line", "length", len(line))
		return
	}

	switch event.Type {
	case "assistant":
		if event.Message == nil {
			return
		}
		for _, block := range event.Message.Content {
			switch block.Type {
			case "text":
				p.sink(markerText + "\n" + block.Text + "\n" + markerEnd + "\n")
			case "tool_use":
				p.sink(toolMarker(block))
			}
		}
	case "result":
		p.sink(markerOutput + "\n" + resultText(event.Result) + "\n" + markerEnd + "\n")
	case "content_block_delta":
		if event.Delta != nil && event.Delta.Text != "" {
			p.sink(event.Delta.Text)
		}
	}
}

// toolMarker renders a typed marker for one tool_use block.
func toolMarker(block contentBlock) string {
	var input map[string]any
	_ = json.Unmarshal(block.Input, &input)
	str := func(key string) string {
		if v, ok := input[key].(string); ok {
			return v
		}
		return ""
	}

	head := "@@TOOL:" + block.Name + "@@\n"
	switch block.Name {
	case "Bash":
		return head + "@@CMD:" + str("command") + "@@\n"
	case "Write", "Edit", "Read":
		return head + "@@FILE:" + str("file_path") + "@@\n"
	case "Glob", "Grep":
		return head + "@@CMD:" + str("pattern") + "@@\n"
	case "WebSearch", "WebFetch", "Task":
		query := str("query")
		if query == "" {
			query = str("url")
		}
		if query == "" {
			query = str("description")
		}
		if query == "" {
			query = str("prompt")
		}
		if len(query) > queryPreviewLimit {
			query = query[:queryPreviewLimit]
		}
		return head + "@@CMD:" + query + "@@\n"
	default:
		return head
	}
}

// resultText extracts display text from a result value: a plain string, or
// an object's stdout (with stderr appended under a marker), output, or
// truncated content.
func resultText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}

	var payload resultPayload
	if err := json.Unmarshal(result, &payload); err != nil {
		return ""
	}
	if payload.Stdout != "" {
		text := payload.Stdout
		if payload.Stderr != "" {
			text += "\n" + markerStderr + "\n" + payload.Stderr
		}
		return text
	}
	if payload.Output != "" {
		return payload.Output
	}
	if payload.Content != "" {
		if len(payload.Content) > resultContentLimit {
			return payload.Content[:resultContentLimit] + "... (truncated)"
		}
		return payload.Content
	}
	return ""
}
