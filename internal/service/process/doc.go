// Package process runs the external deployment tool.
//
// A Runner launches one command line, captures its output and reports the
// exit status without treating a non-zero exit as an error. Output lines can
// be streamed to a status callback while the tool is running.
package process
