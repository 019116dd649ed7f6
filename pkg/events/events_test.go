package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/model"
)

func TestLocalDeliversToEverySubscriber(t *testing.T) {
	bus := NewLocal()
	var got []string
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, "a:"+e.SessionID) })
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, "b:"+e.SessionID) })

	require.NoError(t, bus.Publish(context.Background(), Event{Type: SessionRead, SessionID: "S1"}))
	assert.Equal(t, []string{"a:S1", "b:S1"}, got)
}

func TestEventWireFormat(t *testing.T) {
	e := Event{Type: MessageAppended, SessionID: "S1", Message: &model.Message{ID: 7, SessionID: "S1", Text: "hi"}}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"message.appended"`)
	assert.Contains(t, string(data), `"id":"7"`)

	purge, err := json.Marshal(Event{Type: SessionPurged})
	require.NoError(t, err)
	assert.NotContains(t, string(purge), "message")
}
