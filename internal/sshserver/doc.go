// Package sshserver exposes the console to remote operators over SSH.
//
// Each accepted "session" channel that requests a shell becomes a remote
// console session: it receives the replay buffer and live output, and its
// input lines are routed like any other console input. Only interactive
// shells are offered; exec and subsystem requests are refused.
package sshserver
