package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/config"
)

func TestContextFieldsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.Config{Env: "production"}, &buf)

	ctx := WithLogFields(context.Background(), LogFields{Component: "chat.api"})
	ctx = WithLogFields(ctx, LogFields{SessionID: Ptr("email_a_at_b_dot_c")})
	log.InfoContext(ctx, "message appended")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "chat.api", rec["component"])
	assert.Equal(t, "email_a_at_b_dot_c", rec["session_id"])
	assert.NotContains(t, rec, "driver")
}

func TestMergeKeepsExistingValues(t *testing.T) {
	ctx := WithLogFields(context.Background(), LogFields{Driver: Ptr("file"), Component: "store"})
	ctx = WithLogFields(ctx, LogFields{})

	fields := GetLogFields(ctx)
	require.NotNil(t, fields.Driver)
	assert.Equal(t, "file", *fields.Driver)
	assert.Equal(t, "store", fields.Component)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
}
