package termpilot

import "context"

// RemoteFileInfo is SFTP file metadata.
type RemoteFileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
	Mode  string `json:"mode,omitempty"`
}

// SFTPClient is the consumed SFTP contract, used only for the SSH
// variants of file tools. A nil client means SSH write_file surfaces
// ErrSFTPNotInitialized.
type SFTPClient interface {
	// HasSession reports whether a session exists for the connection id.
	HasSession(id string) bool
	// List enumerates a directory.
	List(ctx context.Context, id, path string) ([]RemoteFileInfo, error)
	// Stat fetches metadata for one path.
	Stat(ctx context.Context, id, path string) (RemoteFileInfo, error)
	// ReadFile fetches a whole file.
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	// WriteFile replaces a file's content, creating it when missing.
	WriteFile(ctx context.Context, id, path string, content []byte) error
}
