// Package infra holds the persistent ratelimit.Store implementations.
//
// BoltStore keeps records in a local BoltDB file so that limits survive a
// restart of the process. RedisStore keeps them in Redis so that several
// processes share one set of limits.
package infra
