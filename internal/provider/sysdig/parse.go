package sysdig

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/spawntrace/internal/event"
)

// outputFields are requested with -p; with -j every field becomes a key of
// the per-event JSON object.
var outputFields = []string{
	"evt.num", "evt.outputtime", "evt.type", "evt.dir",
	"proc.pid", "thread.tid", "proc.name",
	"evt.rawres", "evt.info", "evt.buffer",
}

func outputFormat() string {
	var b strings.Builder
	for i, f := range outputFields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("%" + f)
	}
	return b.String()
}

// flexInt accepts JSON numbers, quoted numbers and null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" || s == "<NA>" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(s, 10, 64)
		if uerr != nil {
			return fmt.Errorf("parse %q as integer: %w", s, err)
		}
		n = int64(u)
	}
	*f = flexInt(n)
	return nil
}

type line struct {
	Num    flexInt `json:"evt.num"`
	Time   flexInt `json:"evt.outputtime"`
	Type   string  `json:"evt.type"`
	Dir    string  `json:"evt.dir"`
	PID    flexInt `json:"proc.pid"`
	TID    flexInt `json:"thread.tid"`
	Comm   string  `json:"proc.name"`
	RawRes flexInt `json:"evt.rawres"`
	Info   string  `json:"evt.info"`
	Buffer *string `json:"evt.buffer"`
}

// trimFraming strips the array framing sysdig -j wraps around objects:
// "[" first, "," before every object after the first, "]" last.
func trimFraming(raw []byte) []byte {
	b := bytes.TrimSpace(raw)
	b = bytes.TrimPrefix(b, []byte("["))
	b = bytes.TrimPrefix(b, []byte(","))
	b = bytes.TrimSuffix(b, []byte("]"))
	b = bytes.TrimSuffix(b, []byte(","))
	return bytes.TrimSpace(b)
}

// parseLine decodes one output line. ok is false for framing-only lines.
func parseLine(raw []byte) (l line, ok bool, err error) {
	b := trimFraming(raw)
	if len(b) == 0 {
		return line{}, false, nil
	}
	if err := json.Unmarshal(b, &l); err != nil {
		return line{}, false, fmt.Errorf("decode sysdig line: %w", err)
	}
	return l, true, nil
}

// toEvent converts a parsed line. Buffers arrive base64 encoded (-b) and are
// decoded into raw bytes.
func (l line) toEvent() (event.Event, error) {
	e := event.Event{
		PID:     int(l.PID),
		TID:     int(l.TID),
		Comm:    l.Comm,
		Syscall: l.Type,
		Info:    l.Info,
	}
	if l.Time > 0 {
		e.Time = time.Unix(0, int64(l.Time))
	}
	switch l.Dir {
	case ">":
		e.Dir = event.DirEnter
	case "<":
		e.Dir = event.DirExit
		e.Ret = int64(l.RawRes)
	}
	if l.Buffer != nil && *l.Buffer != "" && *l.Buffer != "<NA>" {
		buf, err := base64.StdEncoding.DecodeString(*l.Buffer)
		if err != nil {
			return event.Event{}, fmt.Errorf("evt.buffer of event %d: %w", l.Num, err)
		}
		e.Buffer = buf
	}
	return e, nil
}
