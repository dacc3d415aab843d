// Package nodes provides built-in node computations for the driver.
//
// Every constructor returns a driver.Node ready to be added to a scheduler.
// Nodes that consume a stream take its handle and read it until end of
// stream; nodes that produce push on their primary stream.
package nodes

import (
	"context"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// InputKey is the input name under which nodes receive their upstream handle.
const InputKey = "input"

// Source pushes values in order and finishes.
func Source(name string, values ...interface{}) driver.Node {
	return driver.Node{
		Name: name,
		Run: func(_ context.Context, y *driver.Yielder) error {
			for _, v := range values {
				if err := y.Push(v); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// Collect reads input until end of stream and pushes every value as one
// slice.
func Collect(name string, input stream.Handle) driver.Node {
	return driver.Node{
		Name: name,
		Run: func(_ context.Context, y *driver.Yielder) error {
			out := []interface{}{}
			err := each(y, input, func(v interface{}) error {
				out = append(out, v)
				return nil
			})
			if err != nil {
				return err
			}
			return y.Push(out)
		},
	}
}

// MapFunc transforms one value.
type MapFunc func(v interface{}) (interface{}, error)

// Map pushes fn(v) for every value v of input.
func Map(name string, input stream.Handle, fn MapFunc) driver.Node {
	return driver.Node{
		Name: name,
		Run: func(_ context.Context, y *driver.Yielder) error {
			return each(y, input, func(v interface{}) error {
				out, err := fn(v)
				if err != nil {
					return err
				}
				return y.Push(out)
			})
		},
	}
}

// CaseMode selects the casing TextCase applies.
type CaseMode string

const (
	CaseTitle CaseMode = "title"
	CaseUpper CaseMode = "upper"
	CaseLower CaseMode = "lower"
)

func (m CaseMode) caser() (cases.Caser, error) {
	switch m {
	case CaseTitle:
		return cases.Title(language.Und), nil
	case CaseUpper:
		return cases.Upper(language.Und), nil
	case CaseLower:
		return cases.Lower(language.Und), nil
	default:
		return cases.Caser{}, fmt.Errorf("unknown case mode %q", m)
	}
}

// TextCase re-cases every string of input. A non-string value fails the
// node.
func TextCase(name string, input stream.Handle, mode CaseMode) driver.Node {
	return driver.Node{
		Name: name,
		Run: func(_ context.Context, y *driver.Yielder) error {
			c, err := mode.caser()
			if err != nil {
				return err
			}
			return each(y, input, func(v interface{}) error {
				s, ok := v.(string)
				if !ok {
					return fmt.Errorf("text case %s: value %v is %T, not a string", mode, v, v)
				}
				return y.Push(c.String(s))
			})
		},
	}
}

// each calls fn for every value of h until end of stream. Enumerated pulls
// keep nil data values apart from the end.
func each(y *driver.Yielder, h stream.Handle, fn func(v interface{}) error) error {
	for {
		e, ok, err := y.PullEnumerated(h)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(e.Value); err != nil {
			return err
		}
	}
}

func handleInput(y *driver.Yielder, name string) (stream.Handle, error) {
	v, ok := y.Input(name)
	if !ok {
		return stream.Handle{}, fmt.Errorf("missing input %q", name)
	}
	h, ok := v.(stream.Handle)
	if !ok {
		return stream.Handle{}, fmt.Errorf("input %q is %T, not a stream handle", name, v)
	}
	return h, nil
}
