package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/offlinefirst/kv"
)

// SchemaVersion is the version written with every blob.
const SchemaVersion = 1

// envelope wraps every persisted blob. Blobs written before versioning are
// bare JSON values and read as schema 0.
type envelope struct {
	Schema int             `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// load reads the blob under key into dst and marks the key read. ok is
// false, leaving the key unread, when storage itself failed. found is false
// when the blob is missing or cannot be decoded; dst is then meaningless.
func (s *Store) load(ctx context.Context, key string, dst any) (found, ok bool) {
	log := clog.FromContext(ctx)
	raw, err := s.blobs.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		log.Warnf("reading %s, keeping in-memory state: %v", key, err)
		return false, false
	default:
		if _, err := decode(raw, dst); err != nil {
			log.Warnf("decoding %s, using defaults: %v", key, err)
		} else {
			found = true
		}
	}
	delete(s.unread, key)
	return found, true
}

func decode(raw []byte, dst any) (int, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Schema > 0 {
		if env.Schema > SchemaVersion {
			return env.Schema, fmt.Errorf("unsupported schema %d", env.Schema)
		}
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return env.Schema, fmt.Errorf("decoding schema %d: %w", env.Schema, err)
		}
		return env.Schema, nil
	}

	// Legacy layout; rewritten with an envelope on the next write.
	if err := json.Unmarshal(raw, dst); err != nil {
		return 0, fmt.Errorf("decoding legacy blob: %w", err)
	}
	return 0, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Schema: SchemaVersion, Data: data})
}

// write persists v under key. Failures are logged; the in-memory state
// stays authoritative until the next successful write. Keys not read yet
// are only marked dirty so the persisted blob is not clobbered.
func (s *Store) write(ctx context.Context, key string, v any) {
	if s.unread[key] {
		s.dirty[key] = true
		clog.FromContext(ctx).Debugf("deferring write of unread %s", key)
		return
	}
	b, err := encode(v)
	if err != nil {
		clog.FromContext(ctx).Errorf("encoding %s: %v", key, err)
		return
	}
	if err := s.blobs.Set(ctx, key, b); err != nil {
		clog.FromContext(ctx).Warnf("persisting %s: %v", key, err)
	}
}
