package recognize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Veraticus/psan/internal/tagged"
)

// Binary runs an external recognizer that reads `input` and writes tagged
// text to `output`, invoked as `binary model input:output`.
type Binary struct {
	binary string
	model  string
}

// NewBinary checks that the binary exists.
func NewBinary(binary, model string) (*Binary, error) {
	if binary == "" {
		return nil, fmt.Errorf("recognizer binary is not configured")
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("recognizer binary %q not found: %w", binary, err)
	}
	return &Binary{binary: path, model: model}, nil
}

// Recognize implements Recognizer. The external output is validated while
// it is copied; ids must start at nextID.
func (b *Binary) Recognize(ctx context.Context, in io.Reader, out io.Writer, nextID int) (int, error) {
	dir, err := os.MkdirTemp("", "psan-ner-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("Failed to remove recognizer work directory", "dir", dir, "error", rmErr)
		}
	}()

	inPath := filepath.Join(dir, "input.txt")
	outPath := filepath.Join(dir, "output.xml")
	if err := writeFile(inPath, in); err != nil {
		return 0, err
	}

	args := []string{inPath + ":" + outPath}
	if b.model != "" {
		args = append([]string{b.model}, args...)
	}
	cmd := exec.CommandContext(ctx, b.binary, args...) //nolint:gosec // binary comes from configuration
	if output, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("recognizer failed: %w: %s", err, output)
	}

	result, err := os.Open(outPath) //nolint:gosec // path is inside our temp dir
	if err != nil {
		return 0, fmt.Errorf("recognizer produced no output: %w", err)
	}
	defer func() { _ = result.Close() }()

	return copyCounting(io.TeeReader(result, out), nextID)
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path) //nolint:gosec // path is inside our temp dir
	if err != nil {
		return fmt.Errorf("failed to create recognizer input: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write recognizer input: %w", err)
	}
	return f.Close()
}

// copyCounting drains a tagged stream and returns the number of tokens.
func copyCounting(r io.Reader, nextID int) (int, error) {
	d := tagged.NewDecoder(r)
	first := -1
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if ev.Kind == tagged.EventTokenStart && first < 0 {
			first = ev.TokenID
		}
	}
	if first < 0 {
		return 0, nil
	}
	if first != nextID {
		return 0, fmt.Errorf("%w: first token id %d, expected %d", tagged.ErrMalformed, first, nextID)
	}
	return d.LastTokenID() - first + 1, nil
}
