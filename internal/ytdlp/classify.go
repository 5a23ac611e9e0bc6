package ytdlp

import (
	"fmt"
	"strings"
)

// FailureKind is the coarse classification of a failed download.
type FailureKind string

// Failure kinds inferred from process output.
const (
	FailureSizeLimit   FailureKind = "size_limit"
	FailureUnsupported FailureKind = "unsupported"
	FailureUnavailable FailureKind = "unavailable"
	FailurePrivate     FailureKind = "private"
	FailureTimeout     FailureKind = "timeout"
	FailureGeneric     FailureKind = "generic"
)

// Failure is a classified process failure with a user-facing message.
type Failure struct {
	Kind    FailureKind
	Message string
}

// maxGenericOutput bounds how much raw tool output leaks into the
// user-facing message for unclassified failures.
const maxGenericOutput = 200

// Classify maps captured process output to a failure class. timedOut takes
// precedence because a killed process produces unhelpful partial output.
func Classify(output string, timedOut bool) Failure {
	if timedOut {
		return Failure{
			Kind:    FailureTimeout,
			Message: "Download timed out and was terminated",
		}
	}
	switch {
	case strings.Contains(output, "File is larger than max-filesize") ||
		strings.Contains(output, "max-filesize"):
		return Failure{
			Kind: FailureSizeLimit,
			Message: "Media exceeds the download size limit. " +
				"Partial download has been saved. " +
				"Contact an administrator to increase the limit.",
		}
	case strings.Contains(output, "Unsupported URL") ||
		strings.Contains(output, "is not a valid URL"):
		return Failure{Kind: FailureUnsupported, Message: "This URL is not supported or is invalid"}
	case strings.Contains(output, "Video unavailable"):
		return Failure{Kind: FailureUnavailable, Message: "Media is unavailable or has been removed"}
	case strings.Contains(output, "Private video"):
		return Failure{Kind: FailurePrivate, Message: "Media is private and cannot be downloaded"}
	}
	out := strings.TrimSpace(output)
	if len(out) > maxGenericOutput {
		out = out[:maxGenericOutput]
	}
	return Failure{Kind: FailureGeneric, Message: fmt.Sprintf("Download failed: %s", out)}
}
