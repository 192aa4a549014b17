package agent

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// EnvelopeState is the state of a LocalEnvelopeEmulator.
//
// Transitions:
//
//	start    --key "content" then :"-->  chat      content string begins, relay
//	start    --key "function" then :-->  function  buffer silently
//	start    --anything else---------->  start     buffer silently
//	chat     --string characters------>  chat      relay decoded text
//	chat     --unescaped quote-------->  chat      string closed, relay stops
//	function --anything--------------->  function  buffer silently
//
// Keys are only recognized on the top-level object.
type EnvelopeState int

const (
	EnvelopeStart EnvelopeState = iota
	EnvelopeChat
	EnvelopeFunction
)

func (s EnvelopeState) String() string {
	switch s {
	case EnvelopeStart:
		return "start"
	case EnvelopeChat:
		return "chat"
	case EnvelopeFunction:
		return "function"
	}
	return "unknown"
}

// EnvelopeKind is the resolved shape of a finished envelope.
type EnvelopeKind int

const (
	EnvelopeKindChat EnvelopeKind = iota
	EnvelopeKindFunction
)

// Envelope is the resolved output of one plain-text model turn.
type Envelope struct {
	Kind EnvelopeKind

	// Content is the chat text for EnvelopeKindChat.
	Content string

	// Relayed reports whether Content already reached the client through Feed.
	Relayed bool

	// Function and Args describe the call for EnvelopeKindFunction.
	Function string
	Args     json.RawMessage

	// Raw is the complete model output.
	Raw string
}

// keyScanner tracks just enough JSON structure to spot top-level keys.
type keyScanner struct {
	depth      int
	inString   bool
	escaped    bool
	str        []byte
	candidate  string
	hasCand    bool
	key        string
	awaitValue bool
}

// LocalEnvelopeEmulator incrementally parses a plain-text model's envelope
// output so chat text can be relayed while it streams. It is not safe for
// concurrent use.
type LocalEnvelopeEmulator struct {
	state EnvelopeState
	raw   strings.Builder
	scan  keyScanner

	closed  bool
	escape  []byte
	partial []byte
	relayed strings.Builder
	parsed  map[string]json.RawMessage
}

// NewLocalEnvelopeEmulator returns an emulator in the start state.
func NewLocalEnvelopeEmulator() *LocalEnvelopeEmulator {
	return &LocalEnvelopeEmulator{}
}

// State returns the current state.
func (e *LocalEnvelopeEmulator) State() EnvelopeState {
	return e.state
}

// Feed consumes the next piece of model output and returns the chat text
// that may be relayed to the client now. The result is always valid UTF-8
// with the envelope syntax removed and JSON escapes decoded.
func (e *LocalEnvelopeEmulator) Feed(text string) string {
	var out []byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		e.raw.WriteByte(c)
		switch e.state {
		case EnvelopeStart:
			e.scanStart(c)
		case EnvelopeChat:
			out = e.scanChat(c, out)
		}
	}
	return e.emit(out)
}

func (e *LocalEnvelopeEmulator) scanStart(c byte) {
	s := &e.scan
	if s.inString {
		switch {
		case s.escaped:
			s.escaped = false
		case c == '\\':
			s.escaped = true
		case c == '"':
			s.inString = false
			if s.depth == 1 {
				s.candidate = string(s.str)
				s.hasCand = true
			}
			return
		}
		if s.depth == 1 {
			s.str = append(s.str, c)
		}
		return
	}
	if isJSONSpace(c) {
		return
	}
	if s.hasCand {
		s.hasCand = false
		if c == ':' {
			s.key = s.candidate
			s.awaitValue = true
			if s.key == "function" {
				e.state = EnvelopeFunction
			}
			return
		}
	}
	if s.awaitValue {
		s.awaitValue = false
		if s.key == "content" && c == '"' {
			e.state = EnvelopeChat
			return
		}
	}
	switch c {
	case '{', '[':
		s.depth++
	case '}', ']':
		if s.depth > 0 {
			s.depth--
		}
	case '"':
		s.inString = true
		s.str = s.str[:0]
	}
}

func (e *LocalEnvelopeEmulator) scanChat(c byte, out []byte) []byte {
	if e.closed {
		return out
	}
	if len(e.escape) > 0 {
		e.escape = append(e.escape, c)
		decoded, rest, done := decodeEscape(e.escape)
		if !done {
			return out
		}
		rest = append([]byte(nil), rest...)
		e.escape = e.escape[:0]
		out = append(out, decoded...)
		for _, b := range rest {
			out = e.scanChat(b, out)
		}
		return out
	}
	switch c {
	case '\\':
		e.escape = append(e.escape[:0], c)
	case '"':
		e.closed = true
		if fields, ok := parseEnvelope(e.raw.String()); ok {
			e.parsed = fields
		}
	default:
		out = append(out, c)
	}
	return out
}

// emit holds back an incomplete trailing rune until the next Feed.
func (e *LocalEnvelopeEmulator) emit(out []byte) string {
	if len(out) == 0 {
		return ""
	}
	buf := append(append([]byte(nil), e.partial...), out...)
	cut := len(buf)
	for back := 1; back <= utf8.UTFMax && back <= len(buf); back++ {
		if utf8.RuneStart(buf[len(buf)-back]) {
			if !utf8.FullRune(buf[len(buf)-back:]) {
				cut = len(buf) - back
			}
			break
		}
	}
	e.partial = append(e.partial[:0], buf[cut:]...)
	s := string(buf[:cut])
	e.relayed.WriteString(s)
	return s
}

// Finish resolves the envelope once the stream has ended. It never fails:
// output that cannot be parsed degrades to plain chat text.
func (e *LocalEnvelopeEmulator) Finish() Envelope {
	raw := e.raw.String()
	switch e.state {
	case EnvelopeChat:
		env := Envelope{Kind: EnvelopeKindChat, Content: e.relayed.String(), Relayed: true, Raw: raw}
		fields := e.parsed
		if fields == nil {
			fields, _ = parseEnvelope(raw)
		}
		if content, ok := stringField(fields, "content"); ok {
			env.Content = content
		}
		return env
	case EnvelopeFunction:
		if fields, ok := parseEnvelope(raw); ok {
			if env, ok := functionEnvelope(fields, raw); ok {
				return env
			}
		}
		return Envelope{Kind: EnvelopeKindChat, Content: strings.TrimSpace(raw), Raw: raw}
	default:
		if fields, ok := parseEnvelope(raw); ok {
			if env, ok := functionEnvelope(fields, raw); ok {
				return env
			}
			if content, ok := stringField(fields, "content"); ok {
				return Envelope{Kind: EnvelopeKindChat, Content: content, Raw: raw}
			}
		}
		return Envelope{Kind: EnvelopeKindChat, Content: strings.TrimSpace(raw), Raw: raw}
	}
}

func functionEnvelope(fields map[string]json.RawMessage, raw string) (Envelope, bool) {
	name, ok := stringField(fields, "function")
	if !ok || strings.TrimSpace(name) == "" {
		return Envelope{}, false
	}
	args := fields["args"]
	if len(args) == 0 {
		args = fields["arguments"]
	}
	// Some models quote the arguments object.
	var quoted string
	if err := json.Unmarshal(args, &quoted); err == nil && json.Valid([]byte(quoted)) {
		args = json.RawMessage(quoted)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	return Envelope{Kind: EnvelopeKindFunction, Function: name, Args: args, Raw: raw}, true
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// parseEnvelope decodes the first JSON object in raw. Text before the
// object and after it is ignored; a truncated object is completed with the
// missing quote and closing brackets before a second attempt.
func parseEnvelope(raw string) (map[string]json.RawMessage, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, false
	}
	body := raw[start:]
	if fields, ok := decodeObject(body); ok {
		return fields, true
	}
	if completed := completeJSON(body); completed != body {
		return decodeObject(completed)
	}
	return nil, false
}

func decodeObject(s string) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&fields); err != nil {
		return nil, false
	}
	return fields, fields != nil
}

func completeJSON(s string) string {
	var closers []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) > 0 {
				closers = closers[:len(closers)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(s)
	if escaped {
		b.WriteByte('\\')
	}
	if inString {
		b.WriteByte('"')
	}
	for i := len(closers) - 1; i >= 0; i-- {
		b.WriteByte(closers[i])
	}
	return b.String()
}

// decodeEscape decodes a JSON string escape sequence starting with a
// backslash. done is false while more bytes are needed; rest holds bytes
// that turned out not to belong to the sequence.
func decodeEscape(seq []byte) (decoded string, rest []byte, done bool) {
	if len(seq) < 2 {
		return "", nil, false
	}
	if seq[1] != 'u' {
		switch seq[1] {
		case '"', '\\', '/':
			return string(seq[1]), nil, true
		case 'b':
			return "\b", nil, true
		case 'f':
			return "\f", nil, true
		case 'n':
			return "\n", nil, true
		case 'r':
			return "\r", nil, true
		case 't':
			return "\t", nil, true
		}
		return string(seq[:2]), nil, true
	}
	if len(seq) < 6 {
		return "", nil, false
	}
	r, ok := parseHex4(seq[2:6])
	if !ok {
		return string(seq[:6]), nil, true
	}
	if !utf16.IsSurrogate(r) {
		return string(r), nil, true
	}
	if r >= 0xDC00 {
		return string(utf8.RuneError), nil, true
	}
	// High surrogate: a low surrogate escape must follow.
	if len(seq) < 7 {
		return "", nil, false
	}
	if seq[6] != '\\' {
		return string(utf8.RuneError), seq[6:], true
	}
	if len(seq) < 8 {
		return "", nil, false
	}
	if seq[7] != 'u' {
		return string(utf8.RuneError), seq[6:], true
	}
	if len(seq) < 12 {
		return "", nil, false
	}
	low, ok := parseHex4(seq[8:12])
	if !ok {
		return string(utf8.RuneError), seq[6:], true
	}
	combined := utf16.DecodeRune(r, low)
	if combined == utf8.RuneError {
		return string(utf8.RuneError), seq[6:], true
	}
	return string(combined), nil, true
}

func parseHex4(b []byte) (rune, bool) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
