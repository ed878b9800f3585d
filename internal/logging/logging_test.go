package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	c := qt.New(t)
	c.Assert(parseLevel("DEBUG"), qt.Equals, zerolog.DebugLevel)
	c.Assert(parseLevel("warning"), qt.Equals, zerolog.WarnLevel)
	c.Assert(parseLevel(""), qt.Equals, zerolog.InfoLevel)
	c.Assert(parseLevel("bogus"), qt.Equals, zerolog.InfoLevel)
}

func TestWithComponentJSON(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(Config{})

	l := WithComponent("scheduler")
	l.Info().Str("env", "testing").Msg("schedule installed")

	var m map[string]any
	c.Assert(json.Unmarshal(buf.Bytes(), &m), qt.IsNil)
	c.Assert(m["component"], qt.Equals, "scheduler")
	c.Assert(m["env"], qt.Equals, "testing")
	c.Assert(m["message"], qt.Equals, "schedule installed")
}

func TestAutoFormatOnBufferIsJSON(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	Init(Config{Output: &buf})
	defer Init(Config{})

	l := Logger()
	l.Warn().Msg("x")
	c.Assert(json.Valid(bytes.TrimSpace(buf.Bytes())), qt.IsTrue)
}
