package multicall

import "fmt"

// Version selects which aggregator entry point a batch is encoded for.
type Version uint8

const (
	// V1 encodes with aggregate: any inner revert reverts the whole call.
	V1 Version = 1
	// V2 encodes with tryAggregate and a single batch-wide requireSuccess flag.
	V2 Version = 2
	// V3 encodes with aggregate3 and an allowFailure flag per call.
	V3 Version = 3
)

// DefaultVersion is used by new batches.
const DefaultVersion = V3

// ParseVersion converts a numeric version tag into a Version.
func ParseVersion(n int) (Version, error) {
	v := Version(n)
	if n < 0 || n > 255 || !v.valid() {
		return 0, &ConfigurationError{Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, n)}
	}
	return v, nil
}

func (v Version) valid() bool {
	return v == V1 || v == V2 || v == V3
}

// Method is the aggregator function name the version encodes against.
func (v Version) Method() string {
	switch v {
	case V1:
		return "aggregate"
	case V2:
		return "tryAggregate"
	case V3:
		return "aggregate3"
	default:
		return ""
	}
}

func (v Version) String() string {
	if !v.valid() {
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
	return fmt.Sprintf("v%d", uint8(v))
}
