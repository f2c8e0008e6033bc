// Package dirtymem implements the memory-pressure governor for a
// log-structured, region-based allocator.
//
// A RegionGroup aggregates the occupancy of a dynamic set of regions,
// classifies the aggregate against three escalating thresholds (soft,
// throttle, hard), and gates new allocation work accordingly:
//
//   - soft pressure is an early warning that kicks background
//     reclamation via the StartReclaiming/StopReclaiming hooks;
//   - throttle pressure blocks admission of new allocation requests,
//     which queue FIFO with per-request expiry;
//   - hard pressure is a last-resort brake tracked on an independent
//     counter so its hysteresis never couples with the other tiers.
//
// Each group with a finite throttle threshold runs a single background
// releaser goroutine that drains the blocked-request queue one request
// at a time whenever admission is permitted, and otherwise suspends on
// a coalesced relief signal fired exactly once per pressured-to-
// relieved transition.
package dirtymem
