package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString = `^time="[0-9/:. ]{26}" severity=TRACE message=traceExample`
	textErrorString = `^time="[0-9/:. ]{26}" severity=ERROR message=errorExample`
	jsonInfoString  = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"INFO","message":"infoExample"}`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirect(buf *bytes.Buffer, level string) {
	lvl := new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, lvl, ""))
	setLoggingLevel(level, lvl)
}

func (t *LoggerTest) TestTraceSuppressedAboveDebug() {
	var buf bytes.Buffer
	defaultLoggerFactory.format = "text"
	redirect(&buf, Debug)

	Tracef("traceExample")

	t.Empty(buf.String())
}

func (t *LoggerTest) TestTraceEmittedAtTraceLevel() {
	var buf bytes.Buffer
	defaultLoggerFactory.format = "text"
	redirect(&buf, Trace)

	Tracef("traceExample")

	assert.Regexp(t.T(), regexp.MustCompile(textTraceString), buf.String())
}

func (t *LoggerTest) TestErrorAlwaysEmitted() {
	var buf bytes.Buffer
	defaultLoggerFactory.format = "text"
	redirect(&buf, Error)

	Errorf("errorExample")

	assert.Regexp(t.T(), regexp.MustCompile(textErrorString), buf.String())
}

func (t *LoggerTest) TestJSONFormat() {
	var buf bytes.Buffer
	defaultLoggerFactory.format = "json"
	redirect(&buf, Info)

	Infof("infoExample")

	assert.Regexp(t.T(), regexp.MustCompile(jsonInfoString), buf.String())
}

func (t *LoggerTest) TestOffSuppressesEverything() {
	var buf bytes.Buffer
	defaultLoggerFactory.format = "text"
	redirect(&buf, Off)

	Errorf("errorExample")

	t.Empty(buf.String())
}

func (t *LoggerTest) TestSetLoggingLevel() {
	cases := []struct {
		in  string
		out slog.Level
	}{
		{Trace, LevelTrace},
		{Debug, LevelDebug},
		{Info, LevelInfo},
		{Warning, LevelWarn},
		{Error, LevelError},
		{Off, LevelOff},
	}
	for _, c := range cases {
		lvl := new(slog.LevelVar)
		setLoggingLevel(c.in, lvl)
		assert.Equal(t.T(), c.out, lvl.Level())
	}
}
