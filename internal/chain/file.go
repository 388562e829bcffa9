package chain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSource serves chain documents stored as <Dir>/<SYMBOL>.json. It replays captured
// responses offline; strikeCount is ignored.
type FileSource struct {
	Dir string
}

// NewFileSource creates a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

// FetchChain reads the document for symbol.
func (f *FileSource) FetchChain(ctx context.Context, symbol string, _ int) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(f.Dir, strings.ToUpper(symbol)+".json")
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file %s: %w", path, err)
	}
	if len(b) == 0 || Failed(b) {
		return nil, ErrNoData
	}
	return Document(b), nil
}
