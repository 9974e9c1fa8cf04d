package httpmsg

import "strconv"

// Response is the subset of an HTTP response the cache strategy and
// dispatcher read: status, headers, and the two timestamps recording
// when the exchange that produced this response was sent/received.
// TLSVerified records whether the exchange that produced this
// response carried a completed TLS handshake record — spec.md §4.3
// step 2 discards an HTTPS cached response lacking one.
type Response struct {
	StatusCode int
	Header     Header
	Request    *Request
	TLSVerified bool

	// SentRequestAtMillis / ReceivedResponseAtMillis are wall-clock
	// timestamps (Unix millis) recorded at exchange time and persisted
	// alongside a cached response via the private extension headers
	// named in spec.md §6, so CacheStrategy.compute can recompute age
	// without depending on when it happens to be called.
	SentRequestAtMillis     int64
	ReceivedResponseAtMillis int64
}

// CacheControl parses this response's Cache-Control header.
func (r *Response) CacheControl() CacheControl {
	return CacheControlOf(r.Header)
}

// WithHeader returns a shallow copy of r with value added under key
// (any values already present for key are kept), used
// to attach a Warning header to a served cache response without
// mutating the stored one (spec.md §4.3 step 6).
func (r *Response) WithHeader(key, value string) *Response {
	cloned := *r
	cloned.Header = make(Header, len(r.Header)+1)
	for k, v := range r.Header {
		cloned.Header[k] = append([]string(nil), v...)
	}
	cloned.Header.Add(key, value)
	return &cloned
}

// EncodeTimestamps writes SentRequestAtMillis/ReceivedResponseAtMillis
// into the private extension headers so a persisted cache entry can
// recover them later (the byte-stream store itself is an external
// collaborator, spec.md §1).
func (r *Response) EncodeTimestamps() {
	r.Header.Set(HeaderSentRequestMillis, strconv.FormatInt(r.SentRequestAtMillis, 10))
	r.Header.Set(HeaderReceivedResponseMillis, strconv.FormatInt(r.ReceivedResponseAtMillis, 10))
}

// DecodeTimestamps reads back what EncodeTimestamps wrote.
func (r *Response) DecodeTimestamps() {
	if v := r.Header.Get(HeaderSentRequestMillis); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.SentRequestAtMillis = n
		}
	}
	if v := r.Header.Get(HeaderReceivedResponseMillis); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.ReceivedResponseAtMillis = n
		}
	}
}
