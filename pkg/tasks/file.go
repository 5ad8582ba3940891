package tasks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	transport "github.com/convoy-run/convoy/pkg/transports/ssh"
)

// FileTask places a file on the host with the given mode and ownership.
type FileTask struct {
	// TaskName is the display name from the pipeline definition.
	TaskName string

	// Dest is the absolute remote path.
	Dest string

	// Content is the desired file content.
	Content []byte

	// Mode is the file mode (e.g., 0644).
	Mode uint32

	// Owner is "user", "user:group", or ":group"; empty leaves ownership
	// untouched.
	Owner string
}

// Name implements Task.
func (t *FileTask) Name() string {
	if t.TaskName != "" {
		return t.TaskName
	}
	return "copy " + t.Dest
}

// Type implements Task.
func (t *FileTask) Type() string { return TypeFile }

// Validate implements Task.
func (t *FileTask) Validate() error {
	if t.Dest == "" {
		return fmt.Errorf("dest is required")
	}
	if t.Dest[0] != '/' {
		return fmt.Errorf("dest must be an absolute path: %s", t.Dest)
	}
	if t.Mode == 0 {
		return fmt.Errorf("mode is required")
	}
	if t.Mode&0o002 != 0 {
		return fmt.Errorf("world-writable mode %04o is not allowed", t.Mode)
	}
	return nil
}

// Apply implements Task. The remote checksum is compared first; a host
// that already has the content is not rewritten.
func (t *FileTask) Apply(ctx context.Context, tr transport.Transport) (*Result, error) {
	start := time.Now()
	result := newResult(t)
	defer func() { result.Duration = time.Since(start) }()

	want := sha256.Sum256(t.Content)
	wantHex := hex.EncodeToString(want[:])

	have, err := tr.Checksum(ctx, t.Dest)
	if err != nil {
		return result.failf("checksum %s: %v", t.Dest, err), nil
	}

	if have == wantHex {
		// Content converged; the mode may still have drifted.
		current, _, err := tr.Run(ctx, "stat -c %a "+t.Dest)
		if err != nil {
			return result.failf("stat %s: %v", t.Dest, err), nil
		}
		if strings.TrimSpace(current) != fmt.Sprintf("%o", t.Mode&0o777) {
			if err := tr.Chmod(ctx, t.Dest, t.Mode); err != nil {
				return result.failf("chmod %s: %v", t.Dest, err), nil
			}
			result.Changed = true
			result.Action = "mode_updated"
		} else {
			result.Action = "already_present"
		}
		if t.Owner != "" {
			if err := tr.Chown(ctx, t.Dest, t.Owner); err != nil {
				return result.failf("chown %s: %v", t.Dest, err), nil
			}
		}
		return result, nil
	}

	if err := tr.Upload(ctx, bytes.NewReader(t.Content), t.Dest, t.Mode); err != nil {
		return result.failf("upload %s: %v", t.Dest, err), nil
	}
	if t.Owner != "" {
		if err := tr.Chown(ctx, t.Dest, t.Owner); err != nil {
			return result.failf("chown %s: %v", t.Dest, err), nil
		}
	}

	result.Changed = true
	if have == "" {
		result.Action = "created"
	} else {
		result.Action = "updated"
	}
	return result, nil
}
