// Package transport defines the blocking SPMD transport the job-farming
// core depends on: every process in the run knows its own Rank
// and the Size of the group, and exchanges typed, tagged messages with any
// other rank via blocking Send/Recv. The core treats Transport as an
// external collaborator — it never reaches for a concrete implementation
// directly, only the interface in transport.go.
//
// Bundled implementations:
//   - transport/mem: in-process, goroutine-backed. Used by tests and by the
//     single-binary examples.
//   - transport/tcp: a full-duplex star topology over TCP, controller at the
//     hub. Used by multi-process clusters on a LAN.
//   - transport/quic: the same star topology over QUIC, for wide-area
//     clusters; one bidirectional stream per worker connection, and no
//     0-RTT resumption.
//
// All three implementations share the star-topology simplification: only
// the controller (rank 0) and a worker ever exchange messages directly,
// which is all the job-farming protocol requires — workers
// never talk to each other (see DESIGN.md for the full rationale).
package transport
