// Package encoder turns the processed audio of a capture graph into encoded
// chunks, either accumulated for a recording or forwarded live to a
// transport.
package encoder
