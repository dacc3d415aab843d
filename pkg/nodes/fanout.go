package nodes

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/request"
	"github.com/wehubfusion/Talos/pkg/stream"
)

const (
	partKey  = "part"
	partsKey = "parts"
)

// PartName returns the member name Fanout gives its k-th part when nobody
// asked for specific members.
func PartName(k int) string {
	return fmt.Sprintf("part-%d", k)
}

// Fanout is a group node that deals the values of input round-robin into
// member streams. The members are the ones consumers requested; when none
// were requested, n members called part-0 ... part-(n-1) are created.
func Fanout(name string, input stream.Handle, n int) driver.Node {
	return driver.Node{
		Name:  name,
		Group: true,
		Run: func(_ context.Context, y *driver.Yielder) error {
			if !y.Handle().IsPrimary() {
				return fanoutPart(y)
			}
			return fanoutGroup(y, input, n)
		},
	}
}

func fanoutGroup(y *driver.Yielder, input stream.Handle, n int) error {
	requested, err := y.GetRequested()
	if err != nil {
		return err
	}

	own := y.Handle()
	var names []string
	for _, h := range requested {
		if h.SetID == own.SetID && h.Node == own.Node {
			names = append(names, h.Name)
		}
	}
	if len(names) == 0 {
		if n < 1 {
			return fmt.Errorf("fanout %s: needs at least one part, got %d", own.Node, n)
		}
		for k := 0; k < n; k++ {
			names = append(names, PartName(k))
		}
	}

	for k, member := range names {
		inputs := map[string]interface{}{
			InputKey: input,
			partKey:  k,
			partsKey: len(names),
		}
		if err := y.Fork(member, inputs, false); err != nil {
			return err
		}
	}
	return nil
}

// fanoutPart reads every parts-th value of input starting at part.
func fanoutPart(y *driver.Yielder) error {
	input, err := handleInput(y, InputKey)
	if err != nil {
		return err
	}
	part, _ := y.Input(partKey)
	parts, _ := y.Input(partsKey)
	k, _ := part.(int)
	n, _ := parts.(int)
	if n < 1 {
		return fmt.Errorf("fanout part %s: invalid part count %v", y.Handle(), parts)
	}

	skip := k
	for {
		e, ok, err := enumeratedSkip(y, input, skip)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := y.Push(e); err != nil {
			return err
		}
		skip = n - 1
	}
}

func enumeratedSkip(y *driver.Yielder, h stream.Handle, skip int) (interface{}, bool, error) {
	v, err := y.Yield(request.Pull{Handle: h, Skip: skip, Enumerate: true})
	if err != nil || v == nil {
		return nil, false, err
	}
	e, ok := v.(request.Enumerated)
	if !ok {
		return nil, false, fmt.Errorf("unexpected pull result %T", v)
	}
	return e.Value, true, nil
}
