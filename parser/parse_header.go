package parser

// errComaDetected signals a comma-separated header value mid-parse; parse_via.go
// and parse_address.go use it to split compound header lines.
type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// DefaultHeadersParser returns minimal version header parser.
// It can be extended or overwritten. Removing some defaults can break SIP functionality
//
// NOTE this API call may change
func DefaultHeadersParser() map[string]HeaderParser {
	return headersParsers
}
