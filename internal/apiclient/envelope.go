package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// pageItemKeys lists the collection keys list endpoints use. Older server builds name the
// collection after the resource instead of "items".
var pageItemKeys = []string{"items", "users", "requests"}

// Page is the list envelope `{ items: [...], total: n }`.
type Page[T any] struct {
	Items []T
	Total int
}

func (p *Page[T]) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("apiclient: page envelope is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return errors.New("apiclient: page envelope is not an object")
	}
	var items gjson.Result
	for _, key := range pageItemKeys {
		if r := root.Get(key); r.Exists() {
			items = r
			break
		}
	}
	if !items.Exists() || !items.IsArray() {
		return errors.New("apiclient: page envelope has no item list")
	}
	var decoded []T
	if err := json.Unmarshal([]byte(items.Raw), &decoded); err != nil {
		return fmt.Errorf("apiclient: decode page items: %w", err)
	}
	p.Items = decoded
	if total := root.Get("total"); total.Exists() {
		p.Total = int(total.Int())
	} else {
		p.Total = len(decoded)
	}
	return nil
}

// Ack is the `{ success, message }` shape returned by mutations that do not echo a record.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// errorMessage digs a human readable message out of an error body, if there is one.
func errorMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	for _, r := range gjson.GetManyBytes(body, "message", "error", "detail") {
		if r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
