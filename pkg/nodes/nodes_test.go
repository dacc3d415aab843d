package nodes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/scheduler"
	"github.com/wehubfusion/Talos/pkg/stream"
)

func newScheduler(t *testing.T, logger *zap.Logger) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{SetID: "test"}, logger)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ref(node string) stream.Handle {
	return stream.Handle{SetID: "test", Node: node, Name: stream.DefaultName}
}

func TestSourceAndCollect(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src", "a", nil, 3), nil))
	require.NoError(t, s.Add(Collect("out", ref("src")), nil))
	require.NoError(t, s.Run(context.Background(), "out"))

	assert.Equal(t, []interface{}{[]interface{}{"a", nil, 3}}, s.Values(ref("out")),
		"nil data values are not mistaken for the end")
}

func TestMap(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src", 1, 2), nil))
	require.NoError(t, s.Add(Map("sq", ref("src"), func(v interface{}) (interface{}, error) {
		n := v.(int)
		return n * n, nil
	}), nil))
	require.NoError(t, s.Run(context.Background(), "sq"))
	assert.Equal(t, []interface{}{1, 4}, s.Values(ref("sq")))
}

func TestMapFailure(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src", 1), nil))
	require.NoError(t, s.Add(Map("bad", ref("src"), func(interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	}), nil))
	err := s.Run(context.Background(), "bad")
	assert.Equal(t, driver.CodeNodeFailed, driver.CodeOf(err))
}

func TestTextCase(t *testing.T) {
	tests := []struct {
		mode CaseMode
		want []interface{}
	}{
		{CaseTitle, []interface{}{"Hello World", "Ünïcode"}},
		{CaseUpper, []interface{}{"HELLO WORLD", "ÜNÏCODE"}},
		{CaseLower, []interface{}{"hello world", "ünïcode"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			s := newScheduler(t, nil)
			require.NoError(t, s.Add(Source("src", "hello wORLD", "üNÏcode"), nil))
			require.NoError(t, s.Add(TextCase("tc", ref("src"), tt.mode), nil))
			require.NoError(t, s.Run(context.Background(), "tc"))
			assert.Equal(t, tt.want, s.Values(ref("tc")))
		})
	}
}

func TestTextCaseRejects(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src", 42), nil))
	require.NoError(t, s.Add(TextCase("tc", ref("src"), CaseUpper), nil))
	require.NoError(t, s.Add(TextCase("odd", ref("src"), "sideways"), nil))
	err := s.Run(context.Background(), "tc", "odd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a string")
	assert.Contains(t, err.Error(), `unknown case mode "sideways"`)
}

func TestFanoutDefaultParts(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src", 0, 1, 2, 3, 4, 5, 6), nil))
	require.NoError(t, s.Add(Fanout("fan", ref("src"), 3), nil))
	require.NoError(t, s.Run(context.Background(), "fan"))

	members := s.Values(ref("fan"))
	require.Len(t, members, 3)
	want := [][]interface{}{{0, 3, 6}, {1, 4}, {2, 5}}
	for k, m := range members {
		h := m.(stream.Handle)
		assert.Equal(t, PartName(k), h.Name)
		assert.Equal(t, want[k], s.Values(h))
	}
}

func TestFanoutRequestedMembers(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src", "a", "b", "c"), nil))
	require.NoError(t, s.Add(Fanout("fan", ref("src"), 5), nil))
	left := stream.Handle{Node: "fan", Name: "left"}
	right := stream.Handle{Node: "fan", Name: "right"}
	require.NoError(t, s.Add(Collect("l", left), nil))
	require.NoError(t, s.Add(Collect("r", right), nil))
	require.NoError(t, s.Run(context.Background(), "r", "l"))

	assert.Equal(t, []interface{}{[]interface{}{"a", "c"}}, s.Values(ref("l")))
	assert.Equal(t, []interface{}{[]interface{}{"b"}}, s.Values(ref("r")))
	assert.Len(t, s.Values(ref("fan")), 2, "only requested members are created")
}

func TestFanoutNeedsParts(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Source("src"), nil))
	require.NoError(t, s.Add(Fanout("fan", ref("src"), 0), nil))
	assert.Error(t, s.Run(context.Background(), "fan"))
}

func TestScript(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := newScheduler(t, zap.New(core))
	require.NoError(t, s.Add(Source("src", "x", "y"), nil))
	require.NoError(t, s.Add(Script("js", `
		setHeader({lang: "js"});
		var v;
		while ((v = pull("in")) !== null) {
			push(v + inputs.suffix);
		}
		log("done", inputs.suffix);
	`), map[string]interface{}{"in": ref("src"), "suffix": "!"}))
	require.NoError(t, s.Run(context.Background(), "js"))

	assert.Equal(t, []interface{}{"x!", "y!"}, s.Values(ref("js")))
	st, ok := s.Stream(ref("js"))
	require.True(t, ok)
	assert.Equal(t, stream.Header{"lang": "js"}, st.Header())
	entries := logs.FilterMessage("Script log").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "done!", entries[0].ContextMap()["message"])
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want ScriptErrorType
	}{
		{name: "syntax", src: `push(`, want: ScriptSyntax},
		{name: "throw", src: `throw new Error("bad row")`, want: ScriptRuntime},
		{name: "missing input", src: `pull("nope")`, want: ScriptRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t, nil)
			require.NoError(t, s.Add(Script("js", tt.src), nil))
			err := s.Run(context.Background(), "js")
			require.Error(t, err)

			var se *ScriptError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, tt.want, se.Type)
			assert.Equal(t, driver.CodeNodeFailed, driver.CodeOf(err))
		})
	}
}

func TestScriptSurfacesDriverErrors(t *testing.T) {
	s := newScheduler(t, nil)
	// the header is set after the first push, which the driver rejects
	require.NoError(t, s.Add(Script("js", `
		push(1);
		try { setHeader({late: true}); } catch (e) {}
		push(2);
	`), nil))
	err := s.Run(context.Background(), "js")
	assert.ErrorIs(t, err, driver.ErrCreationClosed)
	assert.Equal(t, []interface{}{1}, s.Values(ref("js")))
}

func TestScriptInterrupt(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(Script("spin", `for (;;) {}`), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx, "spin"), context.DeadlineExceeded)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("destroying the driver did not interrupt the script")
	}
}

func TestParseScriptError(t *testing.T) {
	vm := goja.New()
	timer := time.AfterFunc(20*time.Millisecond, func() { vm.Interrupt(context.Canceled) })
	defer timer.Stop()
	_, err := vm.RunString(`for (;;) {}`)
	require.Error(t, err)

	var se *ScriptError
	require.True(t, errors.As(ParseScriptError(err), &se))
	assert.Equal(t, ScriptInterrupted, se.Type)
	assert.ErrorIs(t, se, context.Canceled)

	require.True(t, errors.As(ParseScriptError(fmt.Errorf("plain")), &se))
	assert.Equal(t, ScriptRuntime, se.Type)
	assert.Equal(t, "[runtime_error] plain", se.Error())
}
