// Package commands implements the wrapper's built-in console commands.
//
// Lines starting with the reserved prefix (default ".") are parsed into a
// name and whitespace-separated arguments and looked up in a handler
// table. Handler errors and panics are contained at the dispatch boundary
// and reported only to the issuing session.
package commands
