// Package service runs the matching engine: producer goroutines generate
// orders into per-producer SPSC rings and a single consumer goroutine drains
// them into the order book, matches, and reports latency.
//
// Engine is the only owner of the book. Nothing outside RunConsumer may call
// AddOrder or MatchBest.
package service
