package bus

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/gazehub/gazehub/errors"
)

// The is-alive flag is the only state shared between a worker and the
// supervisor. It is a single externally-observable boolean per role
// identity, backed by a KV bucket on the relay: the worker is the only
// writer, the supervisor the only reader. The split into FlagOwner and
// FlagWatcher enforces that discipline at the type level.

const aliveBucket = "process_alive"

var (
	aliveTrue  = []byte{'1'}
	aliveFalse = []byte{'0'}
)

func aliveKV(ctx context.Context, c *Client) (jetstream.KeyValue, error) {
	js, err := jetstream.New(c.conn)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "aliveKV", "jetstream context")
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      aliveBucket,
		Description: "per-role is-alive flags",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "aliveKV", "bind bucket")
	}
	return kv, nil
}

// FlagOwner is the writer side of an is-alive flag, held by the worker
// process that owns the identity.
type FlagOwner struct {
	kv       jetstream.KeyValue
	identity string
}

// AliveFlagOwner binds the writer side of the flag for the given identity
// (e.g. "eye0", "world").
func (c *Client) AliveFlagOwner(ctx context.Context, identity string) (*FlagOwner, error) {
	kv, err := aliveKV(ctx, c)
	if err != nil {
		return nil, err
	}
	return &FlagOwner{kv: kv, identity: identity}, nil
}

// Set writes the flag. Last write wins; there are no read-modify-write
// races because the worker is the sole writer.
func (f *FlagOwner) Set(ctx context.Context, alive bool) error {
	value := aliveFalse
	if alive {
		value = aliveTrue
	}
	if _, err := f.kv.Put(ctx, f.identity, value); err != nil {
		return errors.WrapTransient(err, "FlagOwner", "Set", "kv put")
	}
	return nil
}

// Get reads the flag back. The owner may read its own flag to reject a
// duplicate startup of its identity before entering its loop.
func (f *FlagOwner) Get(ctx context.Context) (bool, error) {
	return readAlive(ctx, f.kv, f.identity)
}

// FlagWatcher is the read-only side of an is-alive flag, held by the
// supervisor.
type FlagWatcher struct {
	kv       jetstream.KeyValue
	identity string
}

// AliveFlagWatcher binds the reader side of the flag for the given identity.
func (c *Client) AliveFlagWatcher(ctx context.Context, identity string) (*FlagWatcher, error) {
	kv, err := aliveKV(ctx, c)
	if err != nil {
		return nil, err
	}
	return &FlagWatcher{kv: kv, identity: identity}, nil
}

// Get reads the flag. An identity that never started reads as false.
func (f *FlagWatcher) Get(ctx context.Context) (bool, error) {
	return readAlive(ctx, f.kv, f.identity)
}

func readAlive(ctx context.Context, kv jetstream.KeyValue, identity string) (bool, error) {
	entry, err := kv.Get(ctx, identity)
	if err != nil {
		// Missing key means the role never started.
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "AliveFlag", "Get", "kv get")
	}
	value := entry.Value()
	return len(value) == 1 && value[0] == aliveTrue[0], nil
}
