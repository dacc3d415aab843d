package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/stream"
)

const testSet = "set-1"

func newScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(Config{SetID: testSet}, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func source(name string, values ...interface{}) driver.Node {
	return driver.Node{Name: name, Run: func(_ context.Context, y *driver.Yielder) error {
		for _, v := range values {
			if err := y.Push(v); err != nil {
				return err
			}
		}
		return nil
	}}
}

func double(name string) driver.Node {
	return driver.Node{Name: name, Run: func(_ context.Context, y *driver.Yielder) error {
		in, _ := y.Input("in")
		for {
			v, err := y.Pull(in.(stream.Handle))
			if err != nil || v == nil {
				return err
			}
			if err := y.Push(v.(int) * 2); err != nil {
				return err
			}
		}
	}}
}

func collect(name string) driver.Node {
	return driver.Node{Name: name, Run: func(_ context.Context, y *driver.Yielder) error {
		in, _ := y.Input("in")
		out := []interface{}{}
		for {
			v, err := y.Pull(in.(stream.Handle))
			if err != nil {
				return err
			}
			if v == nil {
				return y.Push(out)
			}
			out = append(out, v)
		}
	}}
}

func ref(node, name string) stream.Handle {
	return stream.Handle{Node: node, Name: name}
}

func TestChain(t *testing.T) {
	var seen []stream.Msg
	s := newScheduler(t, WithObserver(ObserverFunc(func(_ context.Context, m stream.Msg) error {
		seen = append(seen, m)
		return nil
	})))
	require.NoError(t, s.Add(source("src", 1, 2, 3), nil))
	require.NoError(t, s.Add(double("dbl"), map[string]interface{}{"in": ref("src", "")}))
	require.NoError(t, s.Add(collect("out"), map[string]interface{}{"in": ref("dbl", "")}))

	require.NoError(t, s.Run(context.Background(), "out"))

	assert.Equal(t, []interface{}{[]interface{}{2, 4, 6}}, s.Values(s.Handle("out", "")))

	msgs := s.Messages(s.Handle("src", ""))
	require.Len(t, msgs, 5)
	assert.True(t, msgs[0].IsIdentity())
	for i := 1; i < 4; i++ {
		assert.Equal(t, i-1, msgs[i].Index)
	}
	assert.True(t, msgs[4].IsEnd())
	assert.Equal(t, 3, msgs[4].Index)

	assert.Len(t, seen, 5+5+3, "observers see every message of every stream")
	for _, name := range []string{"src", "dbl", "out"} {
		d, ok := s.Driver(name)
		require.True(t, ok)
		assert.True(t, d.Stopped())
	}
}

func TestRunAllAddedNodes(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Add(source("a", "x"), nil))
	require.NoError(t, s.Add(source("b", "y"), nil))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []interface{}{"x"}, s.Values(s.Handle("a", "")))
	assert.Equal(t, []interface{}{"y"}, s.Values(s.Handle("b", "")))
}

func TestReplayAcrossConsumers(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Add(source("src", 1, 2), nil))
	require.NoError(t, s.Add(collect("c1"), map[string]interface{}{"in": ref("src", "")}))
	require.NoError(t, s.Add(collect("c2"), map[string]interface{}{"in": ref("src", "")}))
	require.NoError(t, s.Run(context.Background(), "c1"))
	// src already ended, c2 replays it from the cache
	require.NoError(t, s.Run(context.Background(), "c2"))

	assert.Equal(t, s.Values(s.Handle("c1", "")), s.Values(s.Handle("c2", "")))
	assert.Equal(t, []interface{}{[]interface{}{1, 2}}, s.Values(s.Handle("c2", "")))
}

func TestUnknownProducerResolvesToEnd(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(Config{SetID: testSet}, zap.New(core))
	defer s.Close()

	require.NoError(t, s.Add(collect("out"), map[string]interface{}{"in": ref("ghost", "")}))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []interface{}{[]interface{}{}}, s.Values(s.Handle("out", "")))
	assert.Equal(t, 1, logs.FilterMessage("Unknown producer, resolving to end of stream").Len())
}

func TestMissingStreamOfFinishedProducer(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Add(source("src", 1), nil))
	require.NoError(t, s.Add(collect("out"), map[string]interface{}{"in": ref("src", "nope")}))
	require.NoError(t, s.Run(context.Background(), "out"))
	assert.Equal(t, []interface{}{[]interface{}{}}, s.Values(s.Handle("out", "")))
}

func TestForkedStreamIsResolvable(t *testing.T) {
	gen := driver.Node{Name: "gen", Run: func(_ context.Context, y *driver.Yielder) error {
		if !y.Handle().IsPrimary() {
			v, _ := y.Input("v")
			return y.Push(v)
		}
		if err := y.Fork("child", map[string]interface{}{"v": 5}, false); err != nil {
			return err
		}
		return y.Push("parent")
	}}

	s := newScheduler(t)
	require.NoError(t, s.Add(gen, nil))
	require.NoError(t, s.Add(collect("out"), map[string]interface{}{"in": ref("gen", "child")}))
	require.NoError(t, s.Run(context.Background(), "out"))

	assert.Equal(t, []interface{}{[]interface{}{5}}, s.Values(s.Handle("out", "")))
	assert.Equal(t, []interface{}{"parent"}, s.Values(s.Handle("gen", "")))

	d, ok := s.Driver("gen")
	require.True(t, ok)
	require.Len(t, d.Children(), 1)
	assert.Equal(t, s.Handle("gen", "child"), d.Children()[0].Handle())
}

func TestCreatedStreamIsResolvable(t *testing.T) {
	gen := driver.Node{Name: "gen", Run: func(_ context.Context, y *driver.Yielder) error {
		side, err := y.CreateStream("side", false, nil)
		if err != nil {
			return err
		}
		for _, v := range []int{7, 8} {
			if err := y.PushTo(side, v); err != nil {
				return err
			}
		}
		return y.Push("main")
	}}

	s := newScheduler(t)
	require.NoError(t, s.Add(gen, nil))
	require.NoError(t, s.Add(collect("out"), map[string]interface{}{"in": ref("gen", "side")}))
	require.NoError(t, s.Run(context.Background(), "out"))

	assert.Equal(t, []interface{}{[]interface{}{7, 8}}, s.Values(s.Handle("out", "")))
	assert.Equal(t, []interface{}{"main"}, s.Values(s.Handle("gen", "")))
}

func TestStreamNamesAreUniqueInFamily(t *testing.T) {
	gen := driver.Node{Name: "gen", Run: func(_ context.Context, y *driver.Yielder) error {
		if !y.Handle().IsPrimary() {
			return y.Fork("b", nil, false)
		}
		b, err := y.CreateStream("b", false, nil)
		if err != nil {
			return err
		}
		if err := y.PushTo(b, "parent"); err != nil {
			return err
		}
		return y.Fork("a", nil, false)
	}}

	s := newScheduler(t)
	require.NoError(t, s.Add(gen, nil))
	err := s.Run(context.Background(), "gen")
	assert.ErrorIs(t, err, stream.ErrDuplicateName)

	assert.Equal(t, []interface{}{"parent"}, s.Values(s.Handle("gen", "b")))
	d, ok := s.Driver("gen")
	require.True(t, ok)
	require.Len(t, d.Children(), 1)
	assert.Empty(t, d.Children()[0].Children(), "the clashing fork was refused")
}

func TestGroupMemberCreatedOnce(t *testing.T) {
	var (
		mu        sync.Mutex
		forks     int
		requested []stream.Handle
	)
	grp := driver.Node{Name: "grp", Group: true, Run: func(_ context.Context, y *driver.Yielder) error {
		if !y.Handle().IsPrimary() {
			return y.Push(y.Handle().Name)
		}
		hs, err := y.GetRequested()
		if err != nil {
			return err
		}
		mu.Lock()
		requested = hs
		mu.Unlock()
		for _, h := range hs {
			if err := y.Fork(h.Name, nil, false); err != nil {
				return err
			}
			mu.Lock()
			forks++
			mu.Unlock()
		}
		return nil
	}}

	s := newScheduler(t)
	require.NoError(t, s.Add(grp, nil))
	require.NoError(t, s.Add(collect("c1"), map[string]interface{}{"in": ref("grp", "x")}))
	require.NoError(t, s.Add(collect("c2"), map[string]interface{}{"in": ref("grp", "x")}))
	require.NoError(t, s.Add(collect("c3"), map[string]interface{}{"in": ref("grp", "y")}))
	require.NoError(t, s.Run(context.Background(), "c1", "c2", "c3"))

	assert.Equal(t, 2, forks)
	assert.Equal(t, []stream.Handle{s.Handle("grp", "x"), s.Handle("grp", "y")}, requested)
	assert.Equal(t, []interface{}{[]interface{}{"x"}}, s.Values(s.Handle("c1", "")))
	assert.Equal(t, []interface{}{[]interface{}{"x"}}, s.Values(s.Handle("c2", "")))
	assert.Equal(t, []interface{}{[]interface{}{"y"}}, s.Values(s.Handle("c3", "")))
	assert.Equal(t, []interface{}{s.Handle("grp", "x"), s.Handle("grp", "y")}, s.Values(s.Handle("grp", "")))
}

func TestGetStream(t *testing.T) {
	var got []bool
	finder := driver.Node{Name: "finder", Run: func(_ context.Context, y *driver.Yielder) error {
		for _, target := range [][2]string{{"src", ""}, {"src", "missing"}, {"ghost", ""}} {
			h, ok, err := y.GetStream("", target[0], target[1])
			if err != nil {
				return err
			}
			if ok {
				assert.Equal(t, target[0], h.Node)
			}
			got = append(got, ok)
		}
		return nil
	}}

	s := newScheduler(t)
	require.NoError(t, s.Add(source("src", 1), nil))
	require.NoError(t, s.Add(finder, nil))
	require.NoError(t, s.Run(context.Background(), "finder"))
	assert.Equal(t, []bool{true, false, false}, got)
}

type fakeReporter struct {
	keys []driver.Key
	errs []error
}

func (f *fakeReporter) Report(key driver.Key, err error) {
	f.keys = append(f.keys, key)
	f.errs = append(f.errs, err)
}

func TestNodeFailureIsReported(t *testing.T) {
	boom := errors.New("boom")
	bad := driver.Node{Name: "bad", Run: func(_ context.Context, y *driver.Yielder) error {
		if err := y.Push(1); err != nil {
			return err
		}
		return boom
	}}

	rep := &fakeReporter{}
	s := newScheduler(t, WithReporter(rep))
	require.NoError(t, s.Add(bad, nil))
	require.NoError(t, s.Add(collect("out"), map[string]interface{}{"in": ref("bad", "")}))

	err := s.Run(context.Background(), "out")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, driver.CodeNodeFailed, driver.CodeOf(err))

	require.Len(t, rep.keys, 1)
	assert.Equal(t, driver.Key{SetID: testSet, Node: "bad"}, rep.keys[0])
	// the failed node still ended its stream
	assert.Equal(t, []interface{}{[]interface{}{1}}, s.Values(s.Handle("out", "")))
}

func TestStalled(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Add(collect("a"), map[string]interface{}{"in": ref("b", "")}))
	require.NoError(t, s.Add(collect("b"), map[string]interface{}{"in": ref("a", "")}))
	err := s.Run(context.Background(), "a")
	assert.ErrorIs(t, err, ErrStalled)
}

func TestStepLimit(t *testing.T) {
	s := New(Config{SetID: testSet, MaxSteps: 3}, nil)
	defer s.Close()
	require.NoError(t, s.Add(source("src", 1, 2, 3, 4), nil))
	assert.ErrorIs(t, s.Run(context.Background()), ErrStepLimit)
}

func TestObserverFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(Config{SetID: testSet}, zap.New(core), WithObserver(ObserverFunc(func(context.Context, stream.Msg) error {
		return errors.New("unavailable")
	})))
	defer s.Close()

	require.NoError(t, s.Add(source("src", 1), nil))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, logs.FilterMessage("Observer failed").Len())
}

func TestCancelledRun(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Add(source("src", 1), nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestAddAndRegistry(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Add(source("src"), nil))
	assert.ErrorIs(t, s.Add(source("src"), nil), ErrDuplicate)
	assert.Error(t, s.Add(driver.Node{}, nil))
	assert.ErrorIs(t, s.Run(context.Background(), "nope"), ErrUnknownNode)

	r := NewInMemoryRegistry()
	d, err := driver.New(source("n"), stream.New(stream.NewHandle(testSet, "n", "")), nil, driver.Options{})
	require.NoError(t, err)
	key := d.Key()
	require.NoError(t, r.Put(key, d))
	assert.ErrorIs(t, r.Put(key, d), ErrDuplicate)
	got, ok := r.Get(key)
	assert.True(t, ok)
	assert.Same(t, d, got)
	assert.Equal(t, []driver.Key{key}, r.Keys())
	r.Delete(key)
	_, ok = r.Get(key)
	assert.False(t, ok)
}

func TestInputsAreCompleted(t *testing.T) {
	var got map[string]interface{}
	finder := driver.Node{Name: "finder", Run: func(_ context.Context, y *driver.Yielder) error {
		got = y.Inputs()
		return nil
	}}
	s := newScheduler(t)
	require.NoError(t, s.Add(finder, map[string]interface{}{
		"one":  ref("a", ""),
		"many": []stream.Handle{ref("a", "x"), {SetID: "other", Node: "b", Name: "y"}},
		"n":    3,
	}))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, stream.NewHandle(testSet, "a", ""), got["one"])
	assert.Equal(t, []stream.Handle{stream.NewHandle(testSet, "a", "x"), stream.NewHandle("other", "b", "y")}, got["many"])
	assert.Equal(t, 3, got["n"])
}

func TestClose(t *testing.T) {
	s := New(Config{}, nil)
	assert.NotEmpty(t, s.SetID())
	require.NoError(t, s.Add(collect("a"), map[string]interface{}{"in": ref("b", "")}))
	require.NoError(t, s.Add(collect("b"), map[string]interface{}{"in": ref("a", "")}))
	require.ErrorIs(t, s.Run(context.Background()), ErrStalled)

	d, ok := s.Driver("a")
	require.True(t, ok)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, ok = s.Driver("a")
	assert.False(t, ok)
	assert.False(t, d.Stopped(), "a stalled driver is destroyed, not finished")

	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Add(source("c"), nil), ErrClosed)
}

func TestSentryReporter(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	r := NewSentryReporter(hub)
	r.Report(driver.Key{SetID: "s", Node: "n"}, nil)
	r.Report(driver.Key{SetID: "s", Node: "n"}, &driver.Error{Code: driver.CodeNodeFailed, Node: "n", Err: errors.New("boom")})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "s", events[0].Tags["set_id"])
	assert.Equal(t, "n", events[0].Tags["node"])
	assert.Equal(t, driver.CodeNodeFailed, events[0].Tags["code"])
	assert.Equal(t, sentry.LevelError, events[0].Level)
}
