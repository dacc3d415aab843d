package tests

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/nodes"
	"github.com/wehubfusion/Talos/pkg/scheduler"
	"github.com/wehubfusion/Talos/pkg/schema"
	"github.com/wehubfusion/Talos/pkg/stream"
)

const suffixScript = `
var v;
while ((v = pull("input")) !== null) {
	push(v + inputs.suffix);
}
`

func greetingValidator(t *testing.T, maxLength int) driver.Validator {
	t.Helper()
	out, err := schema.NewOutput([]byte(fmt.Sprintf(`{
		"type": "STRING",
		"description": "greeting",
		"validation": {"minLength": 1, "maxLength": %d}
	}`, maxLength)))
	require.NoError(t, err)
	return out
}

// buildGreeting wires words -> exclaim -> title -> collect.
func buildGreeting(t *testing.T, s *scheduler.Scheduler, maxLength int) {
	t.Helper()
	title := nodes.TextCase("title", stream.Handle{Node: "exclaim"}, nodes.CaseTitle)
	title.Validator = greetingValidator(t, maxLength)

	require.NoError(t, s.Add(nodes.Source("words", "hello", "dataflow", "world"), nil))
	require.NoError(t, s.Add(nodes.Script("exclaim", suffixScript), map[string]interface{}{
		nodes.InputKey: stream.Handle{Node: "words"},
		"suffix":       "!",
	}))
	require.NoError(t, s.Add(title, nil))
	require.NoError(t, s.Add(nodes.Collect("collect", stream.Handle{Node: "title"}), nil))
}

func TestGreetingPipeline(t *testing.T) {
	s := newScheduler(t, nil)
	buildGreeting(t, s, 64)
	require.NoError(t, s.Run(context.Background(), "collect"))

	assert.Equal(t, []interface{}{"Hello!", "Dataflow!", "World!"}, s.Values(ref("title")))
	assert.Equal(t, []interface{}{[]interface{}{"Hello!", "Dataflow!", "World!"}}, s.Values(ref("collect")))
}

func TestGreetingPipelineValidationFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := newScheduler(t, zap.New(core))
	buildGreeting(t, s, 6)
	err := s.Run(context.Background(), "collect")
	require.Error(t, err)

	assert.True(t, driver.IsValidation(err))
	var failure *schema.ValidationFailure
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, []string{"MAX_LENGTH"}, failure.Codes())
	assert.Equal(t, "Dataflow!", failure.Value)

	assert.Equal(t, []interface{}{"Hello!"}, s.Values(ref("title")), "values before the failure stay cached")
	entries := logs.FilterMessage("Node failed").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "title", entries[0].ContextMap()["node"])
}

func TestFanoutIntoScripts(t *testing.T) {
	s := newScheduler(t, nil)
	require.NoError(t, s.Add(nodes.Source("src", 1, 2, 3, 4, 5), nil))
	require.NoError(t, s.Add(nodes.Fanout("fan", ref("src"), 2), nil))
	for k, name := range []string{"even", "odd"} {
		require.NoError(t, s.Add(nodes.Script(name, `
			var v;
			while ((v = pull("input")) !== null) {
				push(inputs.tag + v);
			}
		`), map[string]interface{}{
			nodes.InputKey: stream.Handle{Node: "fan", Name: nodes.PartName(k)},
			"tag":          name + ":",
		}))
	}
	require.NoError(t, s.Add(nodes.Collect("evens", ref("even")), nil))
	require.NoError(t, s.Add(nodes.Collect("odds", ref("odd")), nil))

	require.NoError(t, s.Run(context.Background(), "evens", "odds"))
	assert.Equal(t, []interface{}{[]interface{}{"even:1", "even:3", "even:5"}}, s.Values(ref("evens")))
	assert.Equal(t, []interface{}{[]interface{}{"odd:2", "odd:4"}}, s.Values(ref("odds")))
	assert.Len(t, s.Values(ref("fan")), 2)
}
