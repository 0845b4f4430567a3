package engine

import (
	"context"
	"io"

	"github.com/Veraticus/psan/internal/model"
)

// Recognizer turns raw text into a tagged document whose token ids start
// at nextID. It returns the number of tokens written.
type Recognizer interface {
	Recognize(ctx context.Context, in io.Reader, out io.Writer, nextID int) (int, error)
}

// Documents stores submission files by uid and status.
type Documents interface {
	Open(uid string, status model.SubmissionStatus) (io.ReadCloser, error)
	Create(uid string, status model.SubmissionStatus) (io.WriteCloser, error)
}
