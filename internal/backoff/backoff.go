// Package backoff decides how the delivery worker reacts to failed sends:
// how long to pause between attempts and whether a status code is worth
// retrying at all.
package backoff

import (
	"net/http"
	"time"
)

// Class partitions delivery outcomes by how the worker must respond.
type Class int

const (
	// ClassRetryable failures keep their records queued and schedule a pause.
	ClassRetryable Class = iota
	// ClassPermanent failures drop their records. No retry.
	ClassPermanent
	// ClassTooLarge is retryable after the batch size is shrunk.
	ClassTooLarge
)

// String returns the metric label value for the class.
func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTooLarge:
		return "too_large"
	default:
		return "retryable"
	}
}

// Classify buckets an HTTP status code. Status 0 means the request never
// produced a response (timeout, refused connection, DNS failure) and is
// always worth retrying. Redirects and server errors are retryable; any
// other 4xx is a permanent rejection except 413, which signals the batch
// itself was too big.
func Classify(status int) Class {
	switch {
	case status == 0:
		return ClassRetryable
	case status == http.StatusRequestEntityTooLarge:
		return ClassTooLarge
	case status >= 400 && status < 500:
		return ClassPermanent
	case status >= 500 && status < 600:
		return ClassRetryable
	case status >= 300 && status < 400:
		return ClassRetryable
	default:
		return ClassRetryable
	}
}

// Policy computes retry pauses from the consecutive-failure count. The
// schedule is linear and capped, not exponential: min(retryCount*Base, Max).
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the reference schedule: 5s steps capped at 30s, giving
// 5, 10, 15, 20, 25, 30, 30, ... for consecutive failures.
func Default() Policy {
	return Policy{Base: 5 * time.Second, Max: 30 * time.Second}
}

// NextDelay returns the pause before the next attempt after retryCount
// consecutive failures.
func (p Policy) NextDelay(retryCount int) time.Duration {
	d := time.Duration(retryCount) * p.Base
	if d > p.Max {
		return p.Max
	}
	return d
}
