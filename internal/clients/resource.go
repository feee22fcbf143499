package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"marketplace/dashboard/internal/apiclient"
)

// Page is the paginated list envelope. Unpaginated endpoints are
// normalized into it with Count set to the number of results.
type Page[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

type resource[T any] struct {
	api  *apiclient.Client
	base string
	// updateMethod is PATCH or PUT, whichever the backend expects for
	// this collection.
	updateMethod string
}

func newResource[T any](api *apiclient.Client, base, updateMethod string) resource[T] {
	return resource[T]{api: api, base: base, updateMethod: updateMethod}
}

func (r resource[T]) item(id int64) string {
	return fmt.Sprintf("%s%d/", r.base, id)
}

func (r resource[T]) List(ctx context.Context, params url.Values) ([]T, error) {
	page, err := r.ListPage(ctx, params)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (r resource[T]) ListPage(ctx context.Context, params url.Values) (Page[T], error) {
	return listAt[T](ctx, r.api, r.base, params)
}

// All walks every page of the collection. Backends that ignore the page
// parameter answer with the whole list on the first request.
func (r resource[T]) All(ctx context.Context, params url.Values) ([]T, error) {
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	out := []T{}
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))
		p, err := r.ListPage(ctx, query)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		if len(p.Results) == 0 || len(out) >= p.Count {
			return out, nil
		}
	}
}

func (r resource[T]) Get(ctx context.Context, id int64) (T, error) {
	var out T
	err := r.api.Get(ctx, r.item(id), nil, &out)
	return out, err
}

func (r resource[T]) Create(ctx context.Context, payload interface{}) (T, error) {
	var out T
	err := r.api.Post(ctx, r.base, payload, &out)
	return out, err
}

func (r resource[T]) Update(ctx context.Context, id int64, payload interface{}) (T, error) {
	var out T
	err := r.api.Do(ctx, apiclient.Request{Method: r.updateMethod, Path: r.item(id), Body: payload}, &out)
	return out, err
}

func (r resource[T]) Delete(ctx context.Context, id int64) error {
	return r.api.Delete(ctx, r.item(id), nil)
}

// listAt fetches a list that the backend may return either as a bare JSON
// array or as a {count, results} page.
func listAt[T any](ctx context.Context, api *apiclient.Client, path string, params url.Values) (Page[T], error) {
	var raw json.RawMessage
	if err := api.Get(ctx, path, params, &raw); err != nil {
		return Page[T]{}, err
	}
	return decodeList[T](raw)
}

func decodeList[T any](raw json.RawMessage) (Page[T], error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Page[T]{Results: []T{}}, nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Page[T]{}, fmt.Errorf("clients: decode list: %w", err)
		}
		return Page[T]{Count: len(items), Results: items}, nil
	}
	var page Page[T]
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return Page[T]{}, fmt.Errorf("clients: decode page: %w", err)
	}
	if page.Results == nil {
		page.Results = []T{}
	}
	return page, nil
}
