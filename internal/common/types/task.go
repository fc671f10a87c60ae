package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the status of an async task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskType represents the type of task
type TaskType string

const (
	TaskTypeUpload         TaskType = "upload"
	TaskTypeUploadFolder   TaskType = "uploadFolder"
	TaskTypeDownload       TaskType = "download"
	TaskTypeDownloadFolder TaskType = "downloadFolder"
	TaskTypeDelete         TaskType = "delete"
	TaskTypeMove           TaskType = "move"
	TaskTypeCreateFolder   TaskType = "createFolder"
	TaskTypeCopyFile       TaskType = "copyFile"
	TaskTypeCopyFolder     TaskType = "copyFolder"
)

// CancelledByUser is the error message of a task cancelled by the caller
const CancelledByUser = "Cancelled by user"

// Task represents an asynchronous background task. AccountID is the account
// whose transfer slots the task occupies.
type Task struct {
	ID           string     `json:"id"`
	Type         TaskType   `json:"type"`
	Name         string     `json:"name"`
	AccountID    string     `json:"account_id,omitempty"`
	Status       TaskStatus `json:"status"`
	Progress     float64    `json:"progress"` // 0-1
	ErrorMessage string     `json:"error_message,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Payload      Payload    `json:"payload"`
}

// Clone returns a copy that shares no mutable state with t
func (t *Task) Clone() *Task {
	c := *t
	if t.Warnings != nil {
		c.Warnings = append([]string(nil), t.Warnings...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Validate checks identity fields and that the payload variant matches Type
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Payload == nil {
		return fmt.Errorf("task %s has no payload", t.ID)
	}
	if t.Payload.TaskType() != t.Type {
		return fmt.Errorf("task %s: payload %s does not match type %s", t.ID, t.Payload.TaskType(), t.Type)
	}
	return t.Payload.validate()
}

// Payload holds the typed parameters of one task type
type Payload interface {
	TaskType() TaskType
	validate() error
}

// UploadPayload uploads a local file. DriveID selects a virtual drive whose
// backing account is chosen by Strategy; otherwise the task account is used.
type UploadPayload struct {
	LocalPath string   `json:"local_path"`
	ParentID  string   `json:"parent_id"`
	DriveID   string   `json:"drive_id,omitempty"`
	Strategy  string   `json:"strategy,omitempty"`
	Accounts  []string `json:"accounts,omitempty"`
	Encrypt   bool     `json:"encrypt,omitempty"`
}

// UploadFolderPayload uploads a local directory tree
type UploadFolderPayload struct {
	LocalPath string   `json:"local_path"`
	ParentID  string   `json:"parent_id"`
	Excludes  []string `json:"excludes,omitempty"`
}

// DownloadPayload downloads one remote file to LocalPath
type DownloadPayload struct {
	NodeID    string `json:"node_id"`
	LocalPath string `json:"local_path"`
	Size      int64  `json:"size,omitempty"`
	Decrypt   bool   `json:"decrypt,omitempty"`
}

// DownloadFolderPayload downloads a remote folder into the local directory LocalPath
type DownloadFolderPayload struct {
	FolderID  string   `json:"folder_id"`
	LocalPath string   `json:"local_path"`
	Excludes  []string `json:"excludes,omitempty"`
}

// DeletePayload deletes a remote node
type DeletePayload struct {
	NodeID string `json:"node_id"`
}

// MovePayload moves a node, across accounts when DestAccountID differs from the task account
type MovePayload struct {
	NodeID        string `json:"node_id"`
	IsFolder      bool   `json:"is_folder,omitempty"`
	DestAccountID string `json:"dest_account_id,omitempty"`
	DestParentID  string `json:"dest_parent_id"`
	NewName       string `json:"new_name,omitempty"`
}

// CreateFolderPayload creates a remote folder
type CreateFolderPayload struct {
	ParentID        string `json:"parent_id"`
	Name            string `json:"name"`
	CheckDuplicates bool   `json:"check_duplicates,omitempty"`
}

// CopyFilePayload copies a file from SourceAccountID into the task account
type CopyFilePayload struct {
	SourceAccountID string `json:"source_account_id"`
	SourceID        string `json:"source_id"`
	DestParentID    string `json:"dest_parent_id"`
	NewName         string `json:"new_name"`
	Size            int64  `json:"size,omitempty"`
}

// CopyFolderPayload copies a folder tree from SourceAccountID into the task account
type CopyFolderPayload struct {
	SourceAccountID string   `json:"source_account_id"`
	SourceID        string   `json:"source_id"`
	DestParentID    string   `json:"dest_parent_id"`
	NewName         string   `json:"new_name"`
	Excludes        []string `json:"excludes,omitempty"`
}

func (UploadPayload) TaskType() TaskType         { return TaskTypeUpload }
func (UploadFolderPayload) TaskType() TaskType   { return TaskTypeUploadFolder }
func (DownloadPayload) TaskType() TaskType       { return TaskTypeDownload }
func (DownloadFolderPayload) TaskType() TaskType { return TaskTypeDownloadFolder }
func (DeletePayload) TaskType() TaskType         { return TaskTypeDelete }
func (MovePayload) TaskType() TaskType           { return TaskTypeMove }
func (CreateFolderPayload) TaskType() TaskType   { return TaskTypeCreateFolder }
func (CopyFilePayload) TaskType() TaskType       { return TaskTypeCopyFile }
func (CopyFolderPayload) TaskType() TaskType     { return TaskTypeCopyFolder }

func (p UploadPayload) validate() error {
	if p.LocalPath == "" {
		return fmt.Errorf("upload: local_path is required")
	}
	return nil
}

func (p UploadFolderPayload) validate() error {
	if p.LocalPath == "" {
		return fmt.Errorf("uploadFolder: local_path is required")
	}
	return nil
}

func (p DownloadPayload) validate() error {
	if p.NodeID == "" || p.LocalPath == "" {
		return fmt.Errorf("download: node_id and local_path are required")
	}
	return nil
}

func (p DownloadFolderPayload) validate() error {
	if p.FolderID == "" || p.LocalPath == "" {
		return fmt.Errorf("downloadFolder: folder_id and local_path are required")
	}
	return nil
}

func (p DeletePayload) validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("delete: node_id is required")
	}
	return nil
}

func (p MovePayload) validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("move: node_id is required")
	}
	return nil
}

func (p CreateFolderPayload) validate() error {
	if p.Name == "" {
		return fmt.Errorf("createFolder: name is required")
	}
	return nil
}

func (p CopyFilePayload) validate() error {
	if p.SourceAccountID == "" || p.SourceID == "" {
		return fmt.Errorf("copyFile: source_account_id and source_id are required")
	}
	return nil
}

func (p CopyFolderPayload) validate() error {
	if p.SourceAccountID == "" || p.SourceID == "" {
		return fmt.Errorf("copyFolder: source_account_id and source_id are required")
	}
	return nil
}

// newPayload returns an empty payload for the task type
func newPayload(t TaskType) (Payload, error) {
	switch t {
	case TaskTypeUpload:
		return &UploadPayload{}, nil
	case TaskTypeUploadFolder:
		return &UploadFolderPayload{}, nil
	case TaskTypeDownload:
		return &DownloadPayload{}, nil
	case TaskTypeDownloadFolder:
		return &DownloadFolderPayload{}, nil
	case TaskTypeDelete:
		return &DeletePayload{}, nil
	case TaskTypeMove:
		return &MovePayload{}, nil
	case TaskTypeCreateFolder:
		return &CreateFolderPayload{}, nil
	case TaskTypeCopyFile:
		return &CopyFilePayload{}, nil
	case TaskTypeCopyFolder:
		return &CopyFolderPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown task type %q", t)
	}
}

// PayloadValue returns the value variant of p, dereferencing pointer variants
func PayloadValue(p Payload) Payload {
	switch v := p.(type) {
	case *UploadPayload:
		return *v
	case *UploadFolderPayload:
		return *v
	case *DownloadPayload:
		return *v
	case *DownloadFolderPayload:
		return *v
	case *DeletePayload:
		return *v
	case *MovePayload:
		return *v
	case *CreateFolderPayload:
		return *v
	case *CopyFilePayload:
		return *v
	case *CopyFolderPayload:
		return *v
	}
	return p
}

// UnmarshalJSON decodes the payload variant selected by the task type
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var raw struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Task(raw.plain)

	p, err := newPayload(t.Type)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", t.Type, err)
		}
	}
	t.Payload = PayloadValue(p)
	return nil
}
