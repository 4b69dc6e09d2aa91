// Package lineasm turns a chunked byte stream into text lines.
//
// An [Assembler] accepts bytes in arbitrary chunks, including chunks that
// end in the middle of a UTF-8 sequence or between the CR and LF of a line
// terminator, and emits exactly the lines the unsplit stream would produce.
// Malformed bytes are skipped. Lines longer than the configured cap are
// truncated and the excess is discarded.
package lineasm
