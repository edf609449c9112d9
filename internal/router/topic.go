package router

import "strings"

// MatchTopic reports whether a dot-segmented topic satisfies a pattern.
// A "*" pattern segment matches exactly one topic segment, so
// "org.*.alerts" matches "org.acme.alerts" but not "org.acme.eu.alerts".
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i, p := range ps {
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return true
}

// MatchAnyTopic reports whether any of the session's topics satisfies the
// pattern.
func MatchAnyTopic(pattern string, topics []string) bool {
	for _, t := range topics {
		if MatchTopic(pattern, t) {
			return true
		}
	}
	return false
}
