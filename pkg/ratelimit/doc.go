// Package ratelimit limits request rates per caller.
//
// LocalLimiter keeps a token bucket per key in process memory. RedisLimiter
// counts fixed windows in Redis so every instance shares one budget. Both
// plug into Middleware:
//
//	limiter := ratelimit.NewRedisLimiter(client, ratelimit.DefaultConfig(), "keystone")
//	router.Use(ratelimit.Middleware(limiter, ratelimit.ClientIP, logger))
package ratelimit
