package subtitle

import (
	"fmt"

	"github.com/subtrackd/subtrackd/pkg/file"
)

// Write serializes the file and writes it to path with a temp-then-rename
// so a crash never leaves a partial file under the final name.
func Write(path string, f *File) error {
	if f == nil {
		return fmt.Errorf("subtitle data is empty")
	}
	if err := file.WriteAtomic(path, Serialize(f), 0o644); err != nil {
		return fmt.Errorf("write subtitle file: %w", err)
	}
	return nil
}
