// Package console shares the game server's console between one local
// terminal and any number of remote operators.
//
// # Core Components
//
//   - [Multiplexer]: session registry, broadcast fan-out and input routing.
//   - [Session]: one attached terminal, local or remote, with its own
//     outbound queue and writer goroutine.
//   - [ReplayBuffer]: the last N broadcast lines, replayed on attach.
//   - [Printer]: process-wide output that queues early startup messages
//     until the multiplexer is bound.
//   - [StreamIO] and [TerminalIO]: line adapters over raw streams and
//     interactive terminals.
//
// # Input Routing
//
// Every session runs its own blocking read loop. Each line is offered to
// the [Dispatcher] first. Lines it does not handle are forwarded to every
// raw input destination (normally the supervisor's stdin), unless they
// start with the command prefix, in which case the sender is told the
// command is unknown.
//
// # Failure Isolation
//
// Broadcast only queues; it never writes to a sink directly. A remote
// session whose read or write fails, or whose queue overflows, is
// detached without affecting anyone else. The local session survives all
// I/O errors and can never be detached.
package console
