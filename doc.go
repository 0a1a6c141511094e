/*
Package main implements blockdns, a filtering and caching DNS forwarder.

blockdns answers UDP DNS queries from a local network and:

  - Refuses, NXDOMAINs or null routes names found in its block lists
  - Serves repeated questions from an LRU answer cache that honours TTLs
  - Forwards everything else to the configured upstream resolvers, failing
    over to the next one when an upstream times out
  - Keeps a ring of recent query decisions for inspection over HTTP

Pipeline:

Every datagram goes through the same steps on the listener goroutine:

 1. AccessList - IP-based access control
 2. RateLimit - Query rate limiting per client
 3. Decode - Malformed datagrams are recorded and dropped
 4. BlockList - Suffix matching with allow list overrides
 5. Cache - Answers from the LRU cache
 6. Resolver - Forward to the upstreams through a bounded queue

Replies from every step are written by a single responder goroutine, which
also feeds the access log, the prometheus counters and the dnstap output.

Configuration:

blockdns uses a configuration file (default: blockdns.conf) that supports:

  - DNS bind addresses for the normal, external and debug run modes
  - Upstream resolvers and the per attempt timeout
  - Cache, instrumentation and queue sizes
  - Block lists, allow lists and the block answer mode
  - Admin API addresses per run mode, bearer token and dashboard directory
  - Logging levels and output

Usage:

	blockdns [flags]
	blockdns [command]

Available Commands:

	help        Help about any command
	version     Print version information

Flags:

	-c, --config string   Location of config file (default "blockdns.conf")
	    --external        Listen on the external bind address
	    --debug           Listen on the debug bind address
	-v, --verbose         Force debug log level
	-h, --help            Help for blockdns

Example:

	# Start with default config
	blockdns

	# Listen on all interfaces
	blockdns --external -c /etc/blockdns/blockdns.conf

	# Show version
	blockdns version
*/
package main // import "github.com/semihalev/blockdns"
