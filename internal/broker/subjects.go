package broker

import "strings"

// DurableName derives a broker-safe durable consumer name from a subject.
// Brokers restrict the character set of durable names (JetStream forbids
// dots), so every run of non-alphanumeric characters collapses to one
// underscore: "lattice.evt.default" -> "weft_lattice_evt_default".
func DurableName(subject string) string {
	var b strings.Builder
	b.WriteString("weft")
	inWord := false
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			if !inWord {
				b.WriteByte('_')
			}
			inWord = true
			b.WriteRune(r)
		default:
			inWord = false
		}
	}
	return b.String()
}

// MatchSubject reports whether subject matches filter under NATS-style
// token matching: "*" matches exactly one token, ">" matches one or more
// trailing tokens.
func MatchSubject(filter, subject string) bool {
	if filter == subject {
		return true
	}
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, t := range ft {
		switch t {
		case ">":
			return i < len(st)
		case "*":
			if i >= len(st) {
				return false
			}
		default:
			if i >= len(st) || st[i] != t {
				return false
			}
		}
	}
	return len(ft) == len(st)
}
