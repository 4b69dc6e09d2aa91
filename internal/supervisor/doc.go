// Package supervisor owns the lifecycle of the single supervised game
// server process.
//
// A [Supervisor] starts the child with a fixed command line, pumps its
// stdout and stderr through line assemblers into an output sink, forwards
// operator commands to its stdin and stops it either cooperatively (by
// sending "stop" and waiting out a grace window) or forcibly.
//
// # States
//
//	Stopped -> Starting -> Running -> StoppingGraceful -> Stopped
//	                          |              |
//	                          +--> Killing <-+--> Stopped
//
// Start, Stop and Restart are serialized. Kill is not, so that it can cut
// a graceful stop short.
//
// # Restart policy
//
// The intentional-stop flag records whether the last termination was
// requested by an operator. [Supervisor.HealthCheck] restarts a dead child
// only when the flag is clear. The flag starts set, so nothing runs until
// the first explicit [Supervisor.Start].
package supervisor
