package gstpipe

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// Category is the classification of a GStreamer bus error.
type Category int

const (
	// CategoryAuth indicates authentication or permission failures.
	CategoryAuth Category = iota
	// CategoryNotFound indicates a missing device, file or stream path.
	CategoryNotFound
	// CategoryBusy indicates the device is held by another process.
	CategoryBusy
	// CategoryNetwork indicates connection, timeout or DNS failures.
	CategoryNetwork
	// CategoryCodec indicates decode or caps negotiation failures.
	CategoryCodec
	// CategoryUnknown indicates unclassified errors.
	CategoryUnknown
)

// String returns a human-readable name for the category.
func (c Category) String() string {
	switch c {
	case CategoryAuth:
		return "auth"
	case CategoryNotFound:
		return "not_found"
	case CategoryBusy:
		return "busy"
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// PipelineError is a classified bus error or end-of-stream.
type PipelineError struct {
	Category Category
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("gstpipe: pipeline error [%s]: %s", e.Category, e.Message)
}

// FromGError classifies a GStreamer error message.
func FromGError(gerr *gst.GError) *PipelineError {
	if gerr == nil {
		return &PipelineError{Category: CategoryUnknown, Message: "unknown error"}
	}
	return &PipelineError{
		Category: Classify(gerr.Error(), gerr.DebugString()),
		Message:  gerr.Error(),
		Debug:    gerr.DebugString(),
	}
}

// Classify categorizes an error from its message and debug string.
//
// go-gst's GError does not expose the error domain, so classification relies
// on keywords. Order matters: the most specific categories are checked first.
func Classify(message, debug string) Category {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, authKeywords):
		return CategoryAuth
	case containsAny(combined, busyKeywords):
		return CategoryBusy
	case containsAny(combined, notFoundKeywords):
		return CategoryNotFound
	case containsAny(combined, codecKeywords):
		return CategoryCodec
	case containsAny(combined, networkKeywords):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

var (
	authKeywords = []string{
		"unauthorized",
		"401",
		"403",
		"forbidden",
		"authentication",
		"credentials",
		"permission denied",
		"not authorized",
		"eacces",
	}

	busyKeywords = []string{
		"device or resource busy",
		"resource busy",
		"ebusy",
	}

	notFoundKeywords = []string{
		"no such file",
		"does not exist",
		"cannot identify device",
		"not found",
		"404",
	}

	codecKeywords = []string{
		"codec",
		"decode",
		"not negotiated",
		"negotiation",
		"no decoder",
		"missing plugin",
		"h264",
	}

	networkKeywords = []string{
		"connection",
		"timeout",
		"timed out",
		"unreachable",
		"network",
		"dns",
		"resolve",
		"socket",
		"could not connect",
		"failed to connect",
		"rtsp",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
