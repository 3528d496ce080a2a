package ampycorr

import "errors"

var (
	// ErrMissingArgument is returned when the host hands the SDK a nil request,
	// header set or collaborator. It is the only error surfaced to callers on the
	// request path; everything else degrades to "no correlation applied".
	ErrMissingArgument = errors.New("ampycorr: missing argument")

	// ErrInvalidInput is returned by configuration-time operations such as
	// HostExclusionSet.Add when a value cannot be interpreted.
	ErrInvalidInput = errors.New("ampycorr: invalid input")
)
