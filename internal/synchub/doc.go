// ABOUTME: Package documentation for the dashboard sync hub.

// Package synchub fans dashboard state events out to every connected tab of
// a room. A room is one dashboard key; tabs join with a tab id that is also
// used for echo suppression, so a tab never receives its own change back.
//
// Delta events are debounced per path: within the window only the latest
// value survives. Sends never block the hub; a slow tab drops events and
// recovers by requesting a full resync snapshot.
package synchub
