// Package scheduler fires durable triggers.
//
// A single poll loop claims due triggers from the store and hands each to
// the task engine. The engine worker invokes the trigger's agent, waits for
// its result and maps it to the retry policy; the terminal outcome moves the
// trigger to its next fire, completes it, fails it or releases the claim.
package scheduler
