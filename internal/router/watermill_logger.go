package router

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/dispatch-run/dispatch/internal/logging"
)

// zerologAdapter satisfies watermill.LoggerAdapter by forwarding to the
// package-level zerolog logger, so the Router's dispatch internals log
// through the same sink as the rest of the process.
type zerologAdapter struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return zerologAdapter{}
}

func (l zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	e := logging.Error().Err(err)
	l.applyAll(e, fields)
	e.Msg(msg)
}

func (l zerologAdapter) Info(msg string, fields watermill.LogFields) {
	e := logging.Info()
	l.applyAll(e, fields)
	e.Msg(msg)
}

func (l zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	e := logging.Debug()
	l.applyAll(e, fields)
	e.Msg(msg)
}

func (l zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	l.Debug(msg, fields)
}

func (l zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return zerologAdapter{fields: merged}
}

func (l zerologAdapter) applyAll(e *zerolog.Event, fields watermill.LogFields) {
	for k, v := range l.fields {
		e.Interface(k, v)
	}
	for k, v := range fields {
		e.Interface(k, v)
	}
}
