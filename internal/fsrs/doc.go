// Package fsrs implements the FSRS v4.5 memory model used to schedule
// vocabulary reviews. The scheduler is a pure function of its inputs and a
// fixed weight table: no clock reads, no randomness, no hidden state. That
// purity is what lets the replay engine rebuild identical memory state on
// every device from the same event history.
package fsrs
