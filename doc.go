// Package memcache is a memcached client speaking the binary protocol.
//
// A Client spreads keys over one or more servers and keeps a small pool of
// connections to each of them. Every operation checks out one connection,
// sends one request and reads its response:
//
//	servers, err := memcache.ParseServers("127.0.0.1:11211")
//	if err != nil {
//		return err
//	}
//	client, err := memcache.NewClient(servers, memcache.Config{})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.Set(ctx, "sunil", "arora")
//	value, err := client.Get(ctx, "sunil")
//
// Values keep the type they were stored with: strings, integers, byte
// slices and JSON objects are tagged in the item flags the same way the
// python binary memcached clients do.
//
// A request whose connection broke is sent once more on a new connection,
// unless repeating it could apply it twice (increment, decrement, append and
// prepend). Errors match the package sentinels with errors.Is.
//
// The wire format lives in the binprot package.
package memcache
