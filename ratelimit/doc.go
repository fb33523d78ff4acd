// Package ratelimit provides a keyed sliding-window admission gate.
//
// A Limiter bounds how many attempts of a named flow ("login",
// "signup:<email>") may proceed within a rolling window. It is a
// defense-in-depth control: the backend remains the primary enforcement, so a
// storage failure is logged and the attempt is let through.
//
// Layers:
//
//   - ratelimit (this package): Record, the Admit rule, the Store contract,
//     the in-memory store and the Limiter itself
//   - ratelimit/infra: persistent stores (BoltDB on local disk, Redis shared)
//
// Example usage:
//
//	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
//
//	if !limiter.CanAttempt(ctx, "login") {
//		mins := limiter.ResetMinutes(ctx, "login", ratelimit.DefaultWindow)
//		return fmt.Errorf("too many attempts, try again in %d minutes", mins)
//	}
//	if err := signIn(ctx, email, password); err == nil {
//		limiter.Reset(ctx, "login")
//	}
package ratelimit
