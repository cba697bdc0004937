package console

import "encoding/json"

// jsonMarshalIndent pretty-prints a logged object for the console's
// <pre> rendering. Console output favors readability over throughput,
// unlike the router's request/response bodies (see internal/router),
// so the standard library's indenting encoder is used here rather than
// sonic.
func jsonMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
