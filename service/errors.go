package service

import "errors"

var (
	// ErrConfiguration marks a fatal startup problem: the model or label index is
	// missing, corrupt, or inconsistent.
	ErrConfiguration = errors.New("configuration error")
	// ErrDecode marks bytes that are not a decodable image.
	ErrDecode = errors.New("decode error")
	// ErrInference marks a failed forward pass or an unusable model output.
	ErrInference = errors.New("inference error")
)

// User-facing messages for per-request failures.
const (
	MsgInvalidImage   = "Please upload a valid image file."
	MsgAnalysisFailed = "Analysis failed, please try again."
)

// UserMessage converts a pipeline error to the text shown to the user.
func UserMessage(err error) string {
	if errors.Is(err, ErrDecode) {
		return MsgInvalidImage
	}
	return MsgAnalysisFailed
}
