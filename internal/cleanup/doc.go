// Package cleanup removes expired stories on a fixed interval.
//
// A Purger turns a store purge into a count, logging and swallowing any
// failure, so a purge that failed and a purge that found nothing both report
// zero. A Scheduler runs the Purger once at start and then on every tick,
// skipping a tick while the previous purge is still in flight.
package cleanup
