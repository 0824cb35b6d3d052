package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevindra/conduit"
)

// RepositoryInfo describes a named external workflow repository a broker
// deployment can pull workflow definitions from (SPEC_FULL §12). The
// broker itself never fetches from URL; it only persists the
// registration, reusing storage.Store's config key/value table rather
// than a separate backend — an operator tool or a worker's own startup
// routine is what actually dereferences it.
type RepositoryInfo struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Workflows   []string `json:"workflows"`
	Credentials string   `json:"credentials,omitempty"`
}

const repositoryConfigPrefix = "repository:"

// RegisterRepository implements the `/repository/register` surface.
func (b *Broker) RegisterRepository(ctx context.Context, info RepositoryInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal repository info: %w", err)
	}
	if err := b.store.SetConfig(ctx, repositoryConfigPrefix+info.Name, string(data)); err != nil {
		return &conduit.StorageError{Op: "set_config", Err: err}
	}
	return nil
}

// Repository implements the `/repository?name=…` surface. Returns
// storage.ErrNotFound if name was never registered.
func (b *Broker) Repository(ctx context.Context, name string) (RepositoryInfo, error) {
	data, err := b.store.GetConfig(ctx, repositoryConfigPrefix+name)
	if err != nil {
		return RepositoryInfo{}, err
	}
	var info RepositoryInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return RepositoryInfo{}, fmt.Errorf("unmarshal repository info: %w", err)
	}
	return info, nil
}
