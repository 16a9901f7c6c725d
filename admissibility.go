package coap

// meaningfulOptions whitelists which option numbers a given code admits,
// per spec.md §6 ("An implementation must expose a predicate
// is_meaningful(code, option_number)"). The table is fixed, one per code.
// Only inbound requests are checked against it (router.handleRequest via
// ValidateOptions); outbound messages and the wire codec do not consult it.
var meaningfulOptions = map[Code]map[OptionNumber]bool{
	GET: optionSet(OptionUriHost, OptionUriPath, OptionUriPort, OptionUriQuery,
		OptionProxyUri, OptionProxyScheme, OptionAccept, OptionETag, OptionObserve),
	POST: optionSet(OptionUriHost, OptionUriPath, OptionUriPort, OptionUriQuery,
		OptionProxyUri, OptionProxyScheme, OptionContentFormat, OptionSize1),
	PUT: optionSet(OptionUriHost, OptionUriPath, OptionUriPort, OptionUriQuery,
		OptionProxyUri, OptionProxyScheme, OptionContentFormat, OptionIfMatch,
		OptionIfNoneMatch, OptionSize1),
	DELETE: optionSet(OptionUriHost, OptionUriPath, OptionUriPort, OptionUriQuery,
		OptionProxyUri, OptionProxyScheme),

	Created: optionSet(OptionLocationPath, OptionLocationQuery, OptionContentFormat, OptionETag),
	Deleted: optionSet(OptionContentFormat),
	Valid:   optionSet(OptionETag, OptionMaxAge),
	Changed: optionSet(OptionContentFormat, OptionETag, OptionMaxAge),
	Content: optionSet(OptionContentFormat, OptionMaxAge, OptionETag, OptionObserve),

	BadRequest:            optionSet(OptionContentFormat),
	Unauthorized:          optionSet(OptionContentFormat),
	BadOption:             optionSet(OptionContentFormat),
	Forbidden:             optionSet(OptionContentFormat),
	NotFound:              optionSet(OptionContentFormat),
	MethodNotAllowed:      optionSet(OptionContentFormat),
	PreconditionFailed:    optionSet(OptionContentFormat),
	RequestEntityTooLarge: optionSet(OptionContentFormat, OptionSize1),
	UnsupportedMediaType:  optionSet(OptionContentFormat),
	InternalServerError:   optionSet(OptionContentFormat),
	NotImplemented:        optionSet(OptionContentFormat),
	BadGateway:            optionSet(OptionContentFormat),
	ServiceUnavailable:    optionSet(OptionContentFormat, OptionMaxAge),
	GatewayTimeout:        optionSet(OptionContentFormat),
	ProxyingNotSupported:  optionSet(OptionContentFormat),
}

func optionSet(nums ...OptionNumber) map[OptionNumber]bool {
	m := make(map[OptionNumber]bool, len(nums))
	for _, n := range nums {
		m[n] = true
	}
	return m
}

// IsMeaningful reports whether option number belongs on a message of code c.
// Codes without an entry (e.g. Empty) admit no options.
func IsMeaningful(c Code, number OptionNumber) bool {
	return meaningfulOptions[c][number]
}

// ValidateOptions checks every option in opts against IsMeaningful,
// returning the first offending option number, or ok=true if all are
// meaningful for code c. Callers answer an inbound violation with
// BadOption per spec.md §7 (OptionNotMeaningful).
func ValidateOptions(c Code, opts Options) (offending OptionNumber, ok bool) {
	for _, o := range opts {
		if !IsMeaningful(c, o.Number) {
			return o.Number, false
		}
	}
	return 0, true
}
