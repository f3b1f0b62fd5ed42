package stream

// ValueCarrier adapts a stream message's field map to the OpenTelemetry
// propagation.TextMapCarrier interface, so trace context injected by the
// producer travels alongside the payload field and can be extracted on
// consumption.
type ValueCarrier map[string]interface{}

// Get returns the string value for key, or "".
func (c ValueCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Set writes key/value into the field map.
func (c ValueCarrier) Set(key, value string) {
	c[key] = value
}

// Keys returns all field keys present in the carrier.
func (c ValueCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
