package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunErrorEqualComparesDetailsAsJSON(t *testing.T) {
	base := &RunError{Message: "oom", Code: "killed", Details: json.RawMessage(`{"exit":137,"signal":"KILL"}`)}

	same := []json.RawMessage{
		json.RawMessage(`{"exit":137,"signal":"KILL"}`),
		json.RawMessage(`{"exit": 137, "signal": "KILL"}`),
		json.RawMessage(`{"signal":"KILL","exit":137}`),
	}
	for _, details := range same {
		assert.Truef(t, base.Equal(&RunError{Message: "oom", Code: "killed", Details: details}), "%s", details)
	}

	assert.False(t, base.Equal(&RunError{Message: "oom", Code: "killed", Details: json.RawMessage(`{"exit":1}`)}))
	assert.False(t, base.Equal(&RunError{Message: "oom", Code: "killed"}))
	assert.False(t, base.Equal(&RunError{Message: "oom", Code: "other", Details: base.Details}))
	assert.False(t, base.Equal(nil))

	var none *RunError
	assert.True(t, none.Equal(nil))
	assert.True(t, (&RunError{Message: "x"}).Equal(&RunError{Message: "x"}))
}
