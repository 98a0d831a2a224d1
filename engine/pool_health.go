package engine

// Warm-pool handle health scoring is implemented in procpool.Handle.
//
// Scoring rules:
//   - Success: errScore -= 0.5 (min 0)
//   - Failure: errScore += 1.0
//
// Retirement triggers (any one):
//   - errScore >= 3.0
//   - useCount >= 50
//   - age >= 50 minutes
//
// procpool.Pool.Put(handle, success) applies scoring and retires unhealthy
// handles automatically, replacing them if the pool has dropped below
// MinWarm. See procpool.Handle.RecordSuccess, RecordFailure, ShouldRetire.
