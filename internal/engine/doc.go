// Package engine orchestrates cursor synchronization between the local host
// editor and the remote peer.
//
// The engine sits between three collaborators:
//
//   - Host: the editor adapter. It reports local caret movements into
//     OnLocalPosition and opens documents / moves the caret for accepted
//     remote positions.
//   - suppress: the duplicate/loopback policy deciding which updates are
//     meaningful.
//   - link: the peer connection carrying wire frames in both directions.
//
// # Data flow
//
// Local: Host caret move → outbound policy (focus, syncability, guard,
// exact-repeat) → encode → link.Send. Remote: link frame → decode → inbound
// policy (peer source, dedup window) → journal → Host.FindOrOpenDocument and
// Host.MoveCaret under the re-entrancy guard.
//
// # Concurrency
//
// Host events and inbound frames may arrive on different goroutines. One
// engine mutex serializes both entry points, so the suppression window and
// guard never see overlapping mutation. The guard stays held across the
// host's (possibly asynchronous) apply and for a short grace afterwards, so
// the caret-change notification the programmatic move generates is absorbed
// instead of echoed back to the peer.
//
// # Errors
//
// Nothing here is fatal: malformed frames and host failures are logged,
// counted, and dropped; transport failures surface only through the link's
// status stream.
package engine
