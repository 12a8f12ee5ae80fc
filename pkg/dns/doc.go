// Package dns serves the global routing zone. The multi-region reconciler
// programs weighted splits into a RouteTable; the server answers
// <service>.<tenant>.loom queries with one region per query, picked
// proportionally to the programmed weights, and forwards everything outside
// the zone upstream.
package dns
