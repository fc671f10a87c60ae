package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_UnmarshalSelectsPayloadByType(t *testing.T) {
	body := `{
		"id": "t-1",
		"type": "copyFile",
		"name": "report.pdf",
		"account_id": "dest",
		"payload": {"source_account_id": "src", "source_id": "n-1", "dest_parent_id": "root", "new_name": "report.pdf", "size": 42}
	}`

	var task Task
	require.NoError(t, json.Unmarshal([]byte(body), &task))

	p, ok := task.Payload.(CopyFilePayload)
	require.True(t, ok, "payload is %T", task.Payload)
	assert.Equal(t, "src", p.SourceAccountID)
	assert.Equal(t, int64(42), p.Size)
	assert.NoError(t, task.Validate())
}

func TestTask_UnmarshalUnknownType(t *testing.T) {
	var task Task
	err := json.Unmarshal([]byte(`{"id":"t-1","type":"sync","payload":{}}`), &task)
	assert.Error(t, err)
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"ok", Task{ID: "a", Type: TaskTypeDelete, Payload: DeletePayload{NodeID: "n"}}, false},
		{"missing id", Task{Type: TaskTypeDelete, Payload: DeletePayload{NodeID: "n"}}, true},
		{"missing payload", Task{ID: "a", Type: TaskTypeDelete}, true},
		{"mismatched payload", Task{ID: "a", Type: TaskTypeMove, Payload: DeletePayload{NodeID: "n"}}, true},
		{"invalid payload", Task{ID: "a", Type: TaskTypeCreateFolder, Payload: CreateFolderPayload{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTask_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	orig := &Task{ID: "a", Warnings: []string{"x"}, CompletedAt: &now}

	c := orig.Clone()
	c.Warnings[0] = "y"
	*c.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, "x", orig.Warnings[0])
	assert.Equal(t, now, *orig.CompletedAt)
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusPaused.IsTerminal())
	assert.False(t, TaskStatusPending.IsTerminal())
}
