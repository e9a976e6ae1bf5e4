package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"github.com/rotisserie/eris"
)

// JSONElements iterates the elements of a top-level JSON array read from r.
// Interface values keep numbers as json.Number so epoch milliseconds survive.
// A decode failure or context cancellation is yielded once as the error and
// ends the sequence. An empty reader yields nothing.
func JSONElements[T any](ctx context.Context, r io.Reader) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		dec := json.NewDecoder(r)
		dec.UseNumber()

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(zero, eris.Wrap(err, "json: read opening token"))
			return
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			yield(zero, eris.Errorf("json: expected '[', got %v", tok))
			return
		}

		for dec.More() {
			if err := ctx.Err(); err != nil {
				yield(zero, eris.Wrap(err, "json: context cancelled"))
				return
			}
			var v T
			if err := dec.Decode(&v); err != nil {
				yield(zero, eris.Wrap(err, "json: decode element"))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if _, err := dec.Token(); err != nil {
			yield(zero, eris.Wrap(err, "json: read closing token"))
		}
	}
}

// DecodeJSON decodes data as exactly one JSON document into T, keeping
// numbers as json.Number. Trailing content after the document is an error.
func DecodeJSON[T any](data []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, eris.Wrap(err, "json: decode document")
	}
	if dec.More() {
		return v, eris.New("json: trailing data after document")
	}
	return v, nil
}
