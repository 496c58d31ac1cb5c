// Package remote defines the document store the sync engine talks to when it
// is online, plus an in-process implementation.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnavailable        = errors.New("remote store unavailable")
	ErrInvalidInput       = errors.New("invalid input")
)

const (
	CollectionWorkspaces        = "workspaces"
	CollectionWorkspaceVersions = "workspace_versions"
	CollectionJobs              = "jobs"
	CollectionLogs              = "logs"
)

type Document struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Parent     string          `json:"parent,omitempty"`
	Version    int             `json:"version,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (d Document) Decode(dst any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("%w: empty document %s/%s", ErrNotFound, d.Collection, d.Key)
	}
	return json.Unmarshal(d.Data, dst)
}

type OrderField string

const (
	OrderCreatedAt OrderField = "createdAt"
	OrderUpdatedAt OrderField = "updatedAt"
	OrderVersion   OrderField = "version"
)

// Query selects documents of one collection. Filter values are compared
// against top-level fields of the document body.
type Query struct {
	Parent  string         `json:"parent,omitempty"`
	Filter  map[string]any `json:"filter,omitempty"`
	OrderBy OrderField     `json:"orderBy,omitempty"`
	Desc    bool           `json:"desc,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

// Patch merges Set into the top-level fields of a document. When Expect is
// non-empty the patch applies only if every expected field currently holds
// the expected value.
type Patch struct {
	Set    map[string]any `json:"set"`
	Expect map[string]any `json:"expect,omitempty"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type DocumentStore interface {
	// Upsert writes doc under key, replacing any previous body.
	Upsert(ctx context.Context, collection, key string, doc any) (string, error)
	// Create writes doc under key unless the key already exists. Replays of
	// the same insert are no-ops.
	Create(ctx context.Context, collection, key string, doc any) (bool, error)
	Get(ctx context.Context, collection, key string) (Document, error)
	Select(ctx context.Context, collection string, q Query) ([]Document, error)
	Update(ctx context.Context, collection, key string, patch Patch) error
	// AppendVersion stores doc as the next version under parent and returns
	// the assigned version number. Assignment is atomic on the store side.
	AppendVersion(ctx context.Context, collection, parent string, doc any) (int, error)
	CurrentUser(ctx context.Context) (User, bool)
}

// VersionKey is the document key of version n of parent.
func VersionKey(parent string, n int) string {
	return parent + "@" + strconv.Itoa(n)
}

// IsUnavailable reports whether err should be treated as the store being
// unreachable, which is anything but a definitive answer from it.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPreconditionFailed) && !errors.Is(err, ErrInvalidInput)
}

func encodeDoc(doc any) (json.RawMessage, error) {
	switch v := doc.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil document", ErrInvalidInput)
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: document is not valid json", ErrInvalidInput)
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return raw, nil
	}
}

func validateKey(collection, key string) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: collection and key are required", ErrInvalidInput)
	}
	return nil
}

// MatchFields reports whether every field in expect holds the same JSON
// value in the object data.
func MatchFields(data json.RawMessage, expect map[string]any) (bool, error) {
	if len(expect) == 0 {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, err
	}
	for name, want := range expect {
		got, ok := fields[name]
		if !ok {
			if want == nil {
				continue
			}
			return false, nil
		}
		equal, err := jsonEqual(got, want)
		if err != nil {
			return false, err
		}
		if !equal {
			return false, nil
		}
	}
	return true, nil
}

// MergeFields returns data with the top-level fields in set replaced.
func MergeFields(data json.RawMessage, set map[string]any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}
	for name, value := range set {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}
	return json.Marshal(fields)
}

func jsonEqual(raw json.RawMessage, want any) (bool, error) {
	var got any
	if err := json.Unmarshal(raw, &got); err != nil {
		return false, err
	}
	wantRaw, err := json.Marshal(want)
	if err != nil {
		return false, err
	}
	var normalized any
	if err := json.Unmarshal(wantRaw, &normalized); err != nil {
		return false, err
	}
	gotRaw, _ := json.Marshal(got)
	normalizedRaw, _ := json.Marshal(normalized)
	return string(gotRaw) == string(normalizedRaw), nil
}
