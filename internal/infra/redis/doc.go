// Package redis provides the shared Redis state for gatekeeper instances.
//
// # Overview
//
//   - Client: connection management with TLS, pooling, retry and key namespacing
//   - Blacklist: the shared TTL blacklist (admission.BlacklistAdmin)
//   - WindowStore: periodic persistence of rate windows across restarts
//
// # Key layout
//
// Every key lives under REDIS_KEY_PREFIX (default "gatekeeper"):
//
//	gatekeeper:blacklist:<identity>      JSON entry, TTL = remaining block time
//	gatekeeper:window:<identity>         ZSET of request timestamps (ms)
//	gatekeeper:window_limit:<identity>   HASH limit/until for a tightened window
//
// Identity keys look like "ip:10.0.0.5" or "ip:10.0.0.5|key:<digest>".
//
// # Usage
//
//	client, err := redis.New(ctx, &cfg.Redis, log)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	bl := redis.NewBlacklist(client, log)
//	entry, err := bl.Lookup(ctx, id.Key())
//
// # Metrics
//
// Operation latency and pool statistics are exported under the
// gatekeeper_redis_* Prometheus names. Pool statistics are read at scrape
// time once the collector is registered:
//
//	prometheus.MustRegister(redis.NewPoolCollector(client))
package redis
