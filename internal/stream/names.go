package stream

// StreamFor returns the stream key for a model family, e.g. "gemini_stream".
func StreamFor(family string) string {
	return family + "_stream"
}

// GroupFor returns the consumer group name for a model family,
// e.g. "gemini_workers_group".
func GroupFor(family string) string {
	return family + "_workers_group"
}
