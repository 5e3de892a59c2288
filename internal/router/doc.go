// Package router is the coordinator-facing surface of cadence.
//
// It exposes trigger, context, progress and score operations, invokes agents,
// and carries every terminal agent result upward as a Report. Reports are
// tagged [SUCCESS] or [FAILED], deduplicated per invocation (in memory and,
// optionally, in storage so a restart does not resend) and delivered through
// a rate-limited queue to a Coordinator.
package router
