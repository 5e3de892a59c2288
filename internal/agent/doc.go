// Package agent keeps the roster of named execution agents and runs their
// invocations.
//
// An invocation is driven by a Planner: each round it either asks for a set
// of capability calls, which run concurrently, or ends with a Result. Every
// Handle yields exactly one Result.
package agent
