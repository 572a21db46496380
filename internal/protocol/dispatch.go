package protocol

import (
	"errors"
	"fmt"
)

// Sink receives the side effects of a parsed reply.
type Sink interface {
	Thought(text string) error
	Note(recipient, text string) error
	CreateFile(path, content string) error
	ModifyFile(path, content string) error
	DeleteFile(path string) error
	Review(path string, line *int, comment string) error
	Bug(severity, description, body string) error
}

// Dispatch applies every command in order. A failing command does not stop
// the rest; all failures are joined into the returned error.
func Dispatch(res Result, sink Sink) error {
	var errs []error
	for _, c := range res.Commands {
		if err := apply(c, sink); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", c.Kind, c.Path, err))
		}
	}
	return errors.Join(errs...)
}

func apply(c Command, sink Sink) error {
	switch c.Kind {
	case KindThought:
		return sink.Thought(c.Text)
	case KindNote:
		return sink.Note(c.Recipient, c.Text)
	case KindCreateFile:
		return sink.CreateFile(c.Path, c.Text)
	case KindModifyFile:
		return sink.ModifyFile(c.Path, c.Text)
	case KindDeleteFile:
		return sink.DeleteFile(c.Path)
	case KindReview:
		return sink.Review(c.Path, c.Line, c.Text)
	case KindBug:
		return sink.Bug(c.Severity, c.Description, c.Text)
	}
	return fmt.Errorf("unhandled command kind %d", c.Kind)
}
