package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// DeltaParser turns arbitrary byte frames of an event-stream body into
// DeltaChunks. Frames may split lines anywhere; a partial trailing line is
// held until the next Feed or Close.
//
// A DeltaParser is owned by a single stream and is not safe for concurrent use.
type DeltaParser struct {
	buf  []byte
	done bool
	meta map[string]string
	log  *logger.Logger
}

// NewDeltaParser creates a parser. A nil logger discards diagnostics.
func NewDeltaParser(log *logger.Logger) *DeltaParser {
	if log == nil {
		log = logger.NewNop()
	}
	return &DeltaParser{log: log, meta: make(map[string]string)}
}

// Done reports whether the final chunk has been produced.
func (p *DeltaParser) Done() bool {
	return p.done
}

// Feed appends a frame and returns the chunks for every complete line it
// closes. After the final chunk all further input is ignored.
func (p *DeltaParser) Feed(frame []byte) []DeltaChunk {
	if p.done {
		return nil
	}
	p.buf = append(p.buf, frame...)

	var out []DeltaChunk
	for !p.done {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(p.buf[:idx], "\r"))
		p.buf = p.buf[idx+1:]
		if chunk, ok := p.parseLine(line); ok {
			out = append(out, chunk)
		}
	}
	if p.done {
		p.buf = nil
	}
	return out
}

// Close flushes a trailing unterminated line and guarantees exactly one
// final chunk per stream.
func (p *DeltaParser) Close() []DeltaChunk {
	if p.done {
		return nil
	}
	var out []DeltaChunk
	if len(p.buf) > 0 {
		line := string(bytes.TrimRight(p.buf, "\r"))
		p.buf = nil
		if chunk, ok := p.parseLine(line); ok {
			out = append(out, chunk)
		}
	}
	if !p.done {
		out = append(out, p.final())
	}
	return out
}

func (p *DeltaParser) parseLine(line string) (DeltaChunk, bool) {
	line = strings.TrimSpace(line)
	// Blank separators and ":" keep-alive comments carry no data.
	if line == "" || strings.HasPrefix(line, ":") {
		return DeltaChunk{}, false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return DeltaChunk{}, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneMarker {
		return p.final(), true
	}

	var event openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		p.log.Debug("skipping malformed stream line",
			zap.String("line", truncate(payload, 128)),
			zap.Error(err),
		)
		return DeltaChunk{}, false
	}

	if event.ID != "" {
		p.meta["id"] = event.ID
	}
	if event.Model != "" {
		p.meta["model"] = event.Model
	}
	if len(event.Choices) == 0 {
		return DeltaChunk{}, false
	}
	choice := event.Choices[0]
	if choice.FinishReason != "" {
		p.meta["finish_reason"] = string(choice.FinishReason)
	}
	if choice.Delta.Content == "" {
		return DeltaChunk{}, false
	}
	return DeltaChunk{Text: choice.Delta.Content}, true
}

func (p *DeltaParser) final() DeltaChunk {
	p.done = true
	meta := make(map[string]string, len(p.meta))
	for k, v := range p.meta {
		meta[k] = v
	}
	return DeltaChunk{Final: true, Meta: meta}
}
