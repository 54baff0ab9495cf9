// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers a minimal retry mechanism with exponential backoff, designed to handle
// transient failures in network operations, resource initialization, and component startup.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//   - Backoff: Stateful delay sequence for reconnect loops that never give up
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - DefaultBackoffConfig(): 1s initial, 5m cap (reconnect loops)
//
// # Usage Examples
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect()
//	})
//
// Component startup with quick retries:
//
//	cfg := retry.Quick()
//	err := retry.Do(ctx, cfg, func() error {
//	    return component.Initialize()
//	})
//
// Retry with result:
//
//	stream, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (jetstream.Stream, error) {
//	    return js.Stream(ctx, streamName)
//	})
//
// Custom configuration:
//
//	cfg := retry.Config{
//	    MaxAttempts:  5,
//	    InitialDelay: 200 * time.Millisecond,
//	    MaxDelay:     10 * time.Second,
//	    Multiplier:   2.0,
//	    AddJitter:    true,
//	}
//	err := retry.Do(ctx, cfg, operation)
//
// Open-ended reconnect loop:
//
//	backoff := retry.NewBackoff(retry.DefaultBackoffConfig())
//	for {
//	    if err := dial(); err != nil {
//	        if !retry.Sleep(ctx, backoff.Next()) {
//	            return ctx.Err()
//	        }
//	        continue
//	    }
//	    backoff.Reset()
//	    serve()
//	}
//
// Do gives up after MaxAttempts; Backoff never does, it only widens the gap
// between tries. Producers and sink flush loops use Backoff because a device
// that is down for an hour should still be picked up when it returns.
//
// # Design Philosophy
//
// This package is intentionally minimal:
//
//   - No circuit breakers (use service mesh or separate package)
//   - No metrics collection (use instrumentation at call site)
//   - No complex error classification (caller decides what to retry)
//   - Just exponential backoff with jitter
//
// # Context Cancellation
//
// All retry operations respect context cancellation and will immediately stop retrying
// when the context is cancelled, either during operation execution or during backoff delay.
//
// # Thread Safety
//
// Do, DoWithResult and Sleep are safe for concurrent use. A Backoff holds
// mutable attempt state and belongs to one goroutine.
package retry
