// Package ytdlp wraps the external yt-dlp process: it builds invocation
// arguments, parses the tool's newline-delimited progress output, classifies
// failures from captured output, and runs the download subprocess.
package ytdlp
