// Package authz resolves authorization questions for keystone.
//
// A question names a principal, a context and a permission. The three
// contexts (platform, organization, super-admin console) are independent
// domains: each is answered from its own store and an allow in one never
// implies an allow in another. Organization checks refuse a principal whose
// home organization differs from the one asked about before any store is
// read.
//
// Decisions may be cached with an in-process LRU or a shared Redis cache.
// Call Engine.Invalidate after any mutation that can change an outcome.
package authz
