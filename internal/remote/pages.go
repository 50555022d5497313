package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
)

// pageEnvelope is the paginated response shape: a page of results plus an
// optional absolute URL of the next page.
type pageEnvelope[T any] struct {
	Results []T     `json:"results"`
	Next    *string `json:"next"`
}

// Pages lazily fetches every page of the collection at path. Each iteration
// yields one page; iteration stops after the first error, which is yielded
// once. Every call starts again from the first page.
//
// A response body that is a bare JSON array is treated as the only page.
// Otherwise the body must be {"results": [...], "next": url|null}.
func Pages[T any](ctx context.Context, c *Client, path string) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		visited := make(map[string]bool)
		next := path

		for page := 1; next != ""; page++ {
			if visited[next] {
				yield(nil, &APIError{
					Method: http.MethodGet,
					URL:    c.resolveURL(next),
					Reason: "pagination loop detected",
					Err:    ErrMalformed,
				})

				return
			}

			visited[next] = true

			raw, err := c.getRaw(ctx, next)
			if err != nil {
				yield(nil, err)
				return
			}

			items, nextLink, err := decodePage[T](raw)
			if err != nil {
				c.logger.Error("remote returned malformed page",
					slog.String("url", c.resolveURL(next)),
					slog.Int("page", page),
					slog.String("error", err.Error()),
				)
				yield(nil, &APIError{
					Method:  http.MethodGet,
					URL:     c.resolveURL(next),
					Reason:  "malformed page",
					Message: err.Error(),
					Err:     ErrMalformed,
				})

				return
			}

			c.logger.Debug("fetched page",
				slog.String("path", path),
				slog.Int("page", page),
				slog.Int("items", len(items)),
				slog.Bool("has_next", nextLink != ""),
			)

			if !yield(items, nil) {
				return
			}

			next = nextLink
		}
	}
}

func decodePage[T any](raw []byte) ([]T, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, "", err
		}

		return items, "", nil
	}

	var env pageEnvelope[T]
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, "", err
	}

	next := ""
	if env.Next != nil {
		next = *env.Next
	}

	return env.Results, next, nil
}
