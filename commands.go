package memcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/droot/bmemcache/binprot"
)

// maxRelativeTTL is the longest expiration the server reads as an offset;
// longer ones are sent as an absolute unix time.
const maxRelativeTTL = 30 * 24 * time.Hour

// Item is a stored value with its metadata.
type Item struct {
	Key   string
	Value Value

	// TTL of zero means no expiration. Sub-second TTLs round up to a second.
	TTL time.Duration

	// CAS is the version of the item. Returned by GetItem; when non-zero on a
	// write, the write only succeeds if the stored item still has it.
	CAS uint64

	// Flags are the raw item flags as returned by GetItem.
	Flags uint32
}

func expiration(ttl time.Duration) (uint32, error) {
	switch {
	case ttl < 0:
		return 0, errors.Errorf("memcache: negative TTL %s", ttl)
	case ttl == 0:
		return 0, nil
	case ttl > maxRelativeTTL:
		return uint32(time.Now().Add(ttl).Unix()), nil
	}
	return uint32((ttl + time.Second - 1) / time.Second), nil
}

// execute sends a keyed request to the server owning its key.
func (c *Client) execute(ctx context.Context, req *binprot.Frame) (*binprot.Frame, error) {
	sp, err := c.serverPoolForKey(string(req.Key))
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return sp.Execute(ctx, req)
}

// Set stores value under key without expiration. Strings, integers and byte
// slices are stored with their type; other values are stored as JSON.
func (c *Client) Set(ctx context.Context, key string, value any) error {
	v, err := ValueOf(value)
	if err != nil {
		return err
	}
	return c.SetItem(ctx, Item{Key: key, Value: v})
}

// SetItem stores an item unconditionally, or only if its CAS still matches
// when item.CAS is set.
func (c *Client) SetItem(ctx context.Context, item Item) error {
	_, err := c.store(ctx, binprot.OpSet, item)
	return err
}

// Add stores an item only if the key doesn't already exist.
// An existing key fails with ErrNotStored.
func (c *Client) Add(ctx context.Context, item Item) error {
	_, err := c.store(ctx, binprot.OpAdd, item)
	return err
}

// Replace stores an item only if the key already exists.
// A missing key fails with ErrKeyNotFound.
func (c *Client) Replace(ctx context.Context, item Item) error {
	_, err := c.store(ctx, binprot.OpReplace, item)
	return err
}

func (c *Client) store(ctx context.Context, op binprot.Opcode, item Item) (uint64, error) {
	if err := binprot.ValidateKey(item.Key); err != nil {
		return 0, err
	}

	exp, err := expiration(item.TTL)
	if err != nil {
		return 0, err
	}

	payload, flags, err := encodeValue(item.Value, c.config.CompressThreshold)
	if err != nil {
		return 0, err
	}
	if len(payload) > c.config.MaxValueSize {
		return 0, &StatusError{
			Op:      op,
			Key:     item.Key,
			Status:  binprot.StatusValueTooLarge,
			Message: fmt.Sprintf("value of %d bytes exceeds the %d bytes limit", len(payload), c.config.MaxValueSize),
		}
	}

	req := binprot.NewRequest(op, item.Key, payload, binprot.StorageExtras(flags, exp))
	req.CAS = item.CAS

	resp, err := c.execute(ctx, req)
	if err != nil {
		return 0, err
	}
	if resp.Status != binprot.StatusNoError {
		return 0, statusError(req, resp)
	}
	return resp.CAS, nil
}

// Get returns the value stored under key, with the type it was stored with.
// A missing key fails with ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) (Value, error) {
	item, err := c.GetItem(ctx, key)
	if err != nil {
		return Value{}, err
	}
	return item.Value, nil
}

// GetItem is Get returning flags and CAS as well.
func (c *Client) GetItem(ctx context.Context, key string) (Item, error) {
	if err := binprot.ValidateKey(key); err != nil {
		return Item{}, err
	}

	req := binprot.NewRequest(binprot.OpGet, key, nil, nil)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return Item{}, err
	}
	if resp.Status != binprot.StatusNoError {
		return Item{}, statusError(req, resp)
	}

	flags, err := binprot.ParseFlags(resp.Extras)
	if err != nil {
		return Item{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	value, err := decodeValue(resp.Value, flags, c.config.MaxValueSize)
	if err != nil {
		return Item{}, errors.WithMessagef(err, "memcache: get %q", key)
	}

	return Item{
		Key:   key,
		Value: value,
		CAS:   resp.CAS,
		Flags: flags,
	}, nil
}

// Delete removes key. It reports whether the key existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	if err := binprot.ValidateKey(key); err != nil {
		return false, err
	}

	req := binprot.NewRequest(binprot.OpDelete, key, nil, nil)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return false, err
	}

	switch resp.Status {
	case binprot.StatusNoError:
		return true, nil
	case binprot.StatusKeyNotFound:
		return false, nil
	}
	return false, statusError(req, resp)
}

// Touch updates the expiration of key.
// A missing key fails with ErrKeyNotFound.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := binprot.ValidateKey(key); err != nil {
		return err
	}

	exp, err := expiration(ttl)
	if err != nil {
		return err
	}

	req := binprot.NewRequest(binprot.OpTouch, key, nil, binprot.ExpirationExtras(exp))
	resp, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != binprot.StatusNoError {
		return statusError(req, resp)
	}
	return nil
}

// Append adds data after the value stored under key, keeping its flags.
// A missing key fails with ErrNotStored. Not retried on a lost connection.
func (c *Client) Append(ctx context.Context, key string, data []byte) error {
	return c.concat(ctx, binprot.OpAppend, key, data)
}

// Prepend adds data before the value stored under key, keeping its flags.
// A missing key fails with ErrNotStored. Not retried on a lost connection.
func (c *Client) Prepend(ctx context.Context, key string, data []byte) error {
	return c.concat(ctx, binprot.OpPrepend, key, data)
}

func (c *Client) concat(ctx context.Context, op binprot.Opcode, key string, data []byte) error {
	if err := binprot.ValidateKey(key); err != nil {
		return err
	}

	req := binprot.NewRequest(op, key, data, nil)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != binprot.StatusNoError {
		return statusError(req, resp)
	}
	return nil
}

// Increment adds delta to the counter stored under key and returns the new
// value. The stored value must be a decimal integer, as written by Set with
// an integer. A missing key fails with ErrKeyNotFound.
func (c *Client) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.counter(ctx, binprot.OpIncrement, key, delta, 0, binprot.NoAutoCreate)
}

// Decrement subtracts delta from the counter stored under key, stopping at 0.
// A missing key fails with ErrKeyNotFound.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.counter(ctx, binprot.OpDecrement, key, delta, 0, binprot.NoAutoCreate)
}

// IncrementWithInitial is Increment creating a missing key with initial and
// the given TTL. The returned value is then initial.
func (c *Client) IncrementWithInitial(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	exp, err := expiration(ttl)
	if err != nil {
		return 0, err
	}
	return c.counter(ctx, binprot.OpIncrement, key, delta, initial, exp)
}

// DecrementWithInitial is Decrement creating a missing key with initial and
// the given TTL.
func (c *Client) DecrementWithInitial(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	exp, err := expiration(ttl)
	if err != nil {
		return 0, err
	}
	return c.counter(ctx, binprot.OpDecrement, key, delta, initial, exp)
}

func (c *Client) counter(ctx context.Context, op binprot.Opcode, key string, delta, initial uint64, exp uint32) (uint64, error) {
	if err := binprot.ValidateKey(key); err != nil {
		return 0, err
	}

	req := binprot.NewRequest(op, key, nil, binprot.CounterExtras(delta, initial, exp))
	resp, err := c.execute(ctx, req)
	if err != nil {
		return 0, err
	}
	if resp.Status != binprot.StatusNoError {
		return 0, statusError(req, resp)
	}

	value, err := binprot.ParseCounter(resp.Value)
	if err != nil {
		return 0, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return value, nil
}

// Ping sends a no-op to every server.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.broadcast(ctx, func() *binprot.Frame {
		return binprot.NewRequest(binprot.OpNoOp, "", nil, nil)
	})
	return err
}

// Version returns the version string of every server that answered. The
// error lists the servers that did not.
func (c *Client) Version(ctx context.Context) (map[ServerAddress]string, error) {
	responses, err := c.broadcast(ctx, func() *binprot.Frame {
		return binprot.NewRequest(binprot.OpVersion, "", nil, nil)
	})

	versions := make(map[ServerAddress]string, len(responses))
	for addr, resp := range responses {
		versions[addr] = string(resp.Value)
	}
	return versions, err
}

// FlushAll invalidates every item on every server.
func (c *Client) FlushAll(ctx context.Context) error {
	_, err := c.broadcast(ctx, func() *binprot.Frame {
		return binprot.NewRequest(binprot.OpFlush, "", nil, nil)
	})
	return err
}

// broadcast sends a keyless request to every server concurrently.
func (c *Client) broadcast(ctx context.Context, newRequest func() *binprot.Frame) (map[ServerAddress]*binprot.Frame, error) {
	servers := c.servers.List()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	type result struct {
		resp *binprot.Frame
		err  error
	}
	results := make([]result, len(servers))

	var wg sync.WaitGroup
	for i, addr := range servers {
		i, addr := i, addr
		wg.Add(1)
		go func() {
			defer wg.Done()

			sp, err := c.getOrCreatePool(addr)
			if err != nil {
				results[i].err = err
				return
			}

			req := newRequest()
			resp, err := sp.Execute(ctx, req)
			if err == nil && resp.Status != binprot.StatusNoError {
				err = statusError(req, resp)
			}
			results[i] = result{resp: resp, err: err}
		}()
	}
	wg.Wait()

	var errs *multierror.Error
	responses := make(map[ServerAddress]*binprot.Frame, len(servers))
	for i, r := range results {
		if r.err != nil {
			errs = multierror.Append(errs, errors.WithMessage(r.err, servers[i].String()))
			continue
		}
		responses[servers[i]] = r.resp
	}
	return responses, errs.ErrorOrNil()
}
