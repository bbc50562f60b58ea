// Package redis implements the coordination store on Redis.
//
// Locks map onto plain string keys with a millisecond expiry:
//
//   - create-if-absent is SET NX PX
//   - refresh is PEXPIRE, which leaves the value untouched
//   - reads fetch GET and PTTL in one MULTI block
//   - compare-and-delete runs as a Lua script so the check and the DEL are atomic
//
// Redis does not replicate synchronously, so a failover can lose a freshly
// written lease. That matches the single-store assumption of the lock core.
package redis
